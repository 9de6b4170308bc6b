package utils

import (
	"strconv"

	"github.com/dustin/go-humanize"
)

// FormatBytes converts bytes to human-readable IEC format (e.g., "1.5 GiB")
func FormatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// FormatFileSize converts file size (int64) to human-readable format
func FormatFileSize(size int64) string {
	if size < 0 {
		return "0 B"
	}
	return FormatBytes(uint64(size))
}

// ParseSize reads the decimal size string carried by storage records.
// Empty or malformed values count as zero.
func ParseSize(size string) int64 {
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

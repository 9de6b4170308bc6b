package utils

import (
	"path/filepath"
	"strings"
)

var contentTypes = map[string]string{
	".jpg":     "image/jpeg",
	".jpeg":    "image/jpeg",
	".png":     "image/png",
	".gif":     "image/gif",
	".webp":    "image/webp",
	".svg":     "image/svg+xml",
	".txt":     "text/plain",
	".md":      "text/markdown",
	".csv":     "text/csv",
	".json":    "application/json",
	".xml":     "application/xml",
	".html":    "text/html",
	".css":     "text/css",
	".js":      "application/javascript",
	".py":      "text/x-python",
	".ipynb":   "application/x-ipynb+json",
	".parquet": "application/vnd.apache.parquet",
	".pdf":     "application/pdf",
	".mp4":     "video/mp4",
	".mp3":     "audio/mpeg",
	".zip":     "application/zip",
	".tar":     "application/x-tar",
	".gz":      "application/gzip",
}

// ContentType guesses a MIME type from the file extension
func ContentType(filename string) string {
	if t, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	return "application/octet-stream"
}

func IsImageType(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

func IsTextType(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		contentType == "application/json" ||
		contentType == "application/xml" ||
		contentType == "application/javascript" ||
		contentType == "application/x-ipynb+json"
}

func IsArchiveType(contentType string, filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return contentType == "application/zip" ||
		contentType == "application/x-tar" ||
		contentType == "application/gzip" ||
		ext == ".zip" || ext == ".tar" || ext == ".gz" || ext == ".rar" || ext == ".7z"
}

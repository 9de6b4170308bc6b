// Package models contains data structures used across handlers
package models

import "strings"

// StorageObjectRecord is one entry of a bucket listing as returned by the storage backend.
// Object is the full slash-delimited key; a trailing slash marks a folder.
type StorageObjectRecord struct {
	Bucket           string `json:"bucket"`
	Object           string `json:"object"`
	Size             string `json:"size"`
	LastModifiedDate string `json:"lastModifiedDate"`
}

// IsFolderMarker reports whether the record is an empty folder marker
func (r StorageObjectRecord) IsFolderMarker() bool {
	return strings.HasSuffix(r.Object, "/")
}

// ObjectInfo represents a file of the selected folder with display metadata
type ObjectInfo struct {
	Key           string `json:"key"`
	DisplayName   string `json:"displayName"`
	Size          int64  `json:"size"`
	FormattedSize string `json:"formattedSize"`
	LastModified  string `json:"lastModified"`
	ContentType   string `json:"contentType"`
	IsImage       bool   `json:"isImage"`
	IsText        bool   `json:"isText"`
	IsArchive     bool   `json:"isArchive"`
}

// FolderInfo represents a child folder of the selected folder
type FolderInfo struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

// Breadcrumb for navigation
type Breadcrumb struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Level int    `json:"level"`
}

// BucketInfo is a bucket visible on an endpoint
type BucketInfo struct {
	Name          string `json:"name"`
	Endpoint      string `json:"endpoint"`
	Size          uint64 `json:"size"`
	FormattedSize string `json:"formattedSize"`
}

// EndpointStatus summarises a configured storage endpoint
type EndpointStatus struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Online   bool   `json:"online"`
	Version  string `json:"version,omitempty"`
	Drives   int    `json:"drives,omitempty"`
	Error    string `json:"error,omitempty"`
}

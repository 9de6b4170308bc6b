package utils

import "testing"

func TestContentType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"photo.JPG", "image/jpeg"},
		{"data/table.csv", "text/csv"},
		{"notebook.ipynb", "application/x-ipynb+json"},
		{"archive.tar.gz", "application/gzip"},
		{"noext", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContentType(tt.name); got != tt.want {
				t.Errorf("ContentType(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestTypePredicates(t *testing.T) {
	if !IsImageType("image/png") || IsImageType("text/plain") {
		t.Error("IsImageType misclassified")
	}
	if !IsTextType("application/json") || IsTextType("application/zip") {
		t.Error("IsTextType misclassified")
	}
	if !IsArchiveType("application/octet-stream", "x.7z") || IsArchiveType("text/plain", "x.txt") {
		t.Error("IsArchiveType misclassified")
	}
}

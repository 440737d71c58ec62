// Package source lists and fetches candidate documents from an external drive.
package source

import (
	"context"
	"mime"
	"path"
	"strings"
)

// File is a document found at a source location. ID is stable across renames.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// Source is an external document source.
type Source interface {
	// Name identifies the source on queue items.
	Name() string
	List(ctx context.Context, location string) ([]File, error)
	// Fetch returns the content at a path returned by List.
	Fetch(ctx context.Context, filePath string) ([]byte, error)
}

func mimeByName(name string) string {
	t := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	if t == "" {
		return "application/octet-stream"
	}
	return t
}

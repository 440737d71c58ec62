// Package storage persists generated and uploaded documents and hands back URLs.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"strings"
)

// ErrNotOwned is returned by Get for URLs that another store issued.
var ErrNotOwned = errors.New("url not issued by this store")

// Store is the document store. Put overwrites any object at the same path.
type Store interface {
	Put(ctx context.Context, data []byte, objectPath, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// ContentPath returns a path under prefix derived from the content itself,
// so storing the same bytes twice lands on the same object.
func ContentPath(prefix string, data []byte, name string) string {
	sum := sha256.Sum256(data)
	ext := strings.ToLower(path.Ext(name))
	return path.Join(prefix, hex.EncodeToString(sum[:16])+ext)
}

func cleanObjectPath(p string) (string, error) {
	clean := path.Clean("/" + p)[1:]
	if clean == "" || strings.HasPrefix(clean, "..") {
		return "", errors.New("invalid object path: " + p)
	}
	return clean, nil
}

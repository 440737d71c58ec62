package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Local stores documents under a directory and issues file:// URLs, or URLs
// under BaseURL when documents are served over HTTP.
type Local struct {
	Dir     string
	BaseURL string
}

// NewLocal creates the directory if needed.
func NewLocal(dir, baseURL string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{Dir: abs, BaseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (l *Local) Put(ctx context.Context, data []byte, objectPath, contentType string) (string, error) {
	clean, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(l.Dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	return l.url(clean), nil
}

func (l *Local) Get(ctx context.Context, rawURL string) ([]byte, error) {
	rel, ok := l.relPath(rawURL)
	if !ok {
		return nil, ErrNotOwned
	}
	clean, err := cleanObjectPath(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(l.Dir, filepath.FromSlash(clean)))
}

func (l *Local) url(clean string) string {
	if l.BaseURL != "" {
		return l.BaseURL + "/" + clean
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(l.Dir, clean))}
	return u.String()
}

func (l *Local) relPath(rawURL string) (string, bool) {
	if l.BaseURL != "" && strings.HasPrefix(rawURL, l.BaseURL+"/") {
		return strings.TrimPrefix(rawURL, l.BaseURL+"/"), true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	root := filepath.ToSlash(l.Dir) + "/"
	if !strings.HasPrefix(u.Path, root) {
		return "", false
	}
	return strings.TrimPrefix(u.Path, root), true
}

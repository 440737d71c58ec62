package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/pavelanni/assessor/internal/apperr"
)

// Dir lists files in a local directory tree. File ids are BLAKE2b-256
// fingerprints of the content.
type Dir struct {
	Root string
}

func (d *Dir) Name() string { return "dir" }

// List walks the location (relative to Root) recursively.
func (d *Dir) List(ctx context.Context, location string) ([]File, error) {
	base, err := d.resolve(location)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(d.root())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(base); err != nil {
		return nil, apperr.Upstream("document source", err)
	}

	var files []File
	err = filepath.WalkDir(base, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		id, err := fingerprint(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, File{
			ID:       id,
			Name:     entry.Name(),
			MimeType: mimeByName(entry.Name()),
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, apperr.Upstream("document source", err)
	}
	return files, nil
}

func (d *Dir) Fetch(ctx context.Context, filePath string) ([]byte, error) {
	p, err := d.resolve(filePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, apperr.Upstream("document source", err)
	}
	return data, nil
}

func (d *Dir) root() string {
	if d.Root == "" {
		return "."
	}
	return d.Root
}

func (d *Dir) resolve(rel string) (string, error) {
	root, err := filepath.Abs(d.root())
	if err != nil {
		return "", err
	}
	p := filepath.Join(root, filepath.FromSlash(rel))
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", apperr.Invalid("location", fmt.Sprintf("%q is outside the source root", rel))
	}
	return p, nil
}

func fingerprint(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

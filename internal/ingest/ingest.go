// Package ingest enqueues new source documents for extraction exactly once.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/metrics"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/source"
)

// Queue is the persistence the syncer needs.
type Queue interface {
	HasMarker(ctx context.Context, fileID string) (bool, error)
	EnqueueFile(ctx context.Context, item model.QueueItem) (model.QueueItem, bool, error)
}

// TagContext is copied onto every queue item created by a sync.
type TagContext struct {
	Curriculum string `json:"curriculum"`
	Subject    string `json:"subject"`
}

// Result reports what a sync enqueued.
type Result struct {
	NewCount int      `json:"newCount"`
	Names    []string `json:"names"`
}

// Options selects eligible files. A file is eligible if its MIME type or its
// extension is listed.
type Options struct {
	MimeTypes  []string
	Extensions []string
}

// DefaultOptions accepts PDFs.
var DefaultOptions = Options{
	MimeTypes:  []string{"application/pdf"},
	Extensions: []string{".pdf"},
}

type Syncer struct {
	src   source.Source
	queue Queue
	opts  Options
}

func New(src source.Source, queue Queue, opts Options) *Syncer {
	if len(opts.MimeTypes) == 0 && len(opts.Extensions) == 0 {
		opts = DefaultOptions
	}
	return &Syncer{src: src, queue: queue, opts: opts}
}

// Sync lists location and enqueues every eligible file without a marker.
// Running it again with no new files enqueues nothing.
func (s *Syncer) Sync(ctx context.Context, location string, tags TagContext) (Result, error) {
	res := Result{Names: []string{}}

	files, err := s.src.List(ctx, location)
	if err != nil {
		return res, fmt.Errorf("list %s: %w", location, err)
	}

	skipped := 0
	for _, f := range files {
		if !s.eligible(f) {
			continue
		}
		seen, err := s.queue.HasMarker(ctx, f.ID)
		if err != nil {
			return res, apperr.Upstream("document database", err)
		}
		if seen {
			skipped++
			continue
		}

		item, created, err := s.queue.EnqueueFile(ctx, model.QueueItem{
			FileID:     f.ID,
			FileName:   f.Name,
			SourcePath: f.Path,
			Curriculum: tags.Curriculum,
			Subject:    tags.Subject,
			Source:     s.src.Name(),
		})
		if err != nil {
			return res, apperr.Upstream("document database", err)
		}
		if !created {
			// Another sync got there first.
			skipped++
			continue
		}
		metrics.FilesEnqueued.Inc()
		slog.Info("file enqueued", "queue_item", item.ID, "file", f.Name, "file_id", f.ID)
		res.NewCount++
		res.Names = append(res.Names, f.Name)
	}

	slog.Info("sync finished", "location", location, "listed", len(files), "new", res.NewCount, "skipped", skipped)
	return res, nil
}

func (s *Syncer) eligible(f source.File) bool {
	for _, m := range s.opts.MimeTypes {
		if strings.EqualFold(f.MimeType, m) {
			return true
		}
	}
	ext := strings.ToLower(path.Ext(f.Name))
	for _, e := range s.opts.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

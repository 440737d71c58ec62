package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/source"
	"github.com/pavelanni/assessor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeSource struct {
	files []source.File
	err   error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) List(context.Context, string) ([]source.File, error) {
	return f.files, f.err
}

func (f *fakeSource) Fetch(context.Context, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func TestSyncIsIdempotent(t *testing.T) {
	db := newTestStore(t)
	src := &fakeSource{files: []source.File{
		{ID: "id-1", Name: "2021.pdf", MimeType: "application/pdf", Path: "p/2021.pdf"},
		{ID: "id-2", Name: "2022.PDF", MimeType: "application/octet-stream", Path: "p/2022.PDF"},
		{ID: "id-3", Name: "notes.docx", MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	}}
	s := New(src, db, Options{})
	tags := TagContext{Curriculum: "CBSE", Subject: "Physics"}

	first, err := s.Sync(context.Background(), "p", tags)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NewCount)
	assert.ElementsMatch(t, []string{"2021.pdf", "2022.PDF"}, first.Names)

	second, err := s.Sync(context.Background(), "p", tags)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewCount)
	assert.Empty(t, second.Names)

	items, err := db.ListQueue(context.Background(), model.QueuePending)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "CBSE", items[0].Curriculum)
	assert.Equal(t, "fake", items[0].Source)
}

func TestSyncRenameIsNotReprocessed(t *testing.T) {
	db := newTestStore(t)
	src := &fakeSource{files: []source.File{{ID: "id-1", Name: "old.pdf", MimeType: "application/pdf"}}}
	s := New(src, db, Options{})

	_, err := s.Sync(context.Background(), "", TagContext{})
	require.NoError(t, err)

	src.files[0].Name = "new.pdf"
	res, err := s.Sync(context.Background(), "", TagContext{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewCount)
}

func TestSyncConcurrentEnqueuesOnce(t *testing.T) {
	db := newTestStore(t)
	src := &fakeSource{files: []source.File{{ID: "id-1", Name: "a.pdf", MimeType: "application/pdf"}}}

	results := make(chan Result, 4)
	for i := 0; i < 4; i++ {
		go func() {
			res, err := New(src, db, Options{}).Sync(context.Background(), "", TagContext{})
			assert.NoError(t, err)
			results <- res
		}()
	}
	total := 0
	for i := 0; i < 4; i++ {
		total += (<-results).NewCount
	}
	assert.Equal(t, 1, total)
}

func TestSyncSourceFailure(t *testing.T) {
	db := newTestStore(t)
	s := New(&fakeSource{err: apperr.Upstream("document source", errors.New("drive offline"))}, db, Options{})

	_, err := s.Sync(context.Background(), "", TagContext{})
	assert.True(t, apperr.IsUpstream(err))
}

func TestSyncWithDirSource(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.pdf"), []byte("%PDF-a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("text"), 0o644))

	db := newTestStore(t)
	s := New(&source.Dir{Root: root}, db, Options{})
	res, err := s.Sync(context.Background(), "", TagContext{Subject: "Maths"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewCount)

	// Same bytes under a new name are the same file.
	require.NoError(t, os.WriteFile(filepath.Join(root, "copy.pdf"), []byte("%PDF-a"), 0o644))
	res, err = s.Sync(context.Background(), "", TagContext{Subject: "Maths"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewCount)
}

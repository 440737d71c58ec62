package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

const queueColumns = `id, file_id, file_name, source_path, curriculum, subject, status, source, error,
	claimed_at, created_at, updated_at`

func scanQueueItem(row scanner) (model.QueueItem, error) {
	var it model.QueueItem
	var status string
	var claimedAt sql.NullInt64
	if err := row.Scan(&it.ID, &it.FileID, &it.FileName, &it.SourcePath, &it.Curriculum, &it.Subject,
		&status, &it.Source, &it.Error, &claimedAt, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return it, err
	}
	it.Status = model.QueueStatus(status)
	if claimedAt.Valid {
		t := time.Unix(claimedAt.Int64, 0).UTC()
		it.ClaimedAt = &t
	}
	return it, nil
}

// EnqueueFile writes a pending queue item and then the processed-file marker
// for its file id, in one transaction. If the marker already exists nothing
// is written and created is false.
func (s *Store) EnqueueFile(ctx context.Context, item model.QueueItem) (_ model.QueueItem, created bool, err error) {
	now := s.now()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = model.QueuePending
	item.CreatedAt = now
	item.UpdatedAt = now

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO content_queue (id, file_id, file_name, source_path, curriculum, subject, status, source,
				created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.FileID, item.FileName, item.SourcePath, item.Curriculum, item.Subject,
			string(item.Status), item.Source, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO processed_files (file_id, synced_at) VALUES (?, ?)`, item.FileID, now)
		if err != nil {
			return err
		}
		return nil
	})
	if isUniqueViolation(err) {
		return item, false, nil
	}
	if err != nil {
		return item, false, err
	}
	return item, true, nil
}

// HasMarker reports whether a processed-file marker exists for fileID.
func (s *Store) HasMarker(ctx context.Context, fileID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_files WHERE file_id = ?`, fileID).Scan(&n)
	return n > 0, err
}

// GetMarker returns the processed-file marker for fileID, or ErrNotFound.
func (s *Store) GetMarker(ctx context.Context, fileID string) (model.ProcessedFileMarker, error) {
	var m model.ProcessedFileMarker
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id, synced_at FROM processed_files WHERE file_id = ?`, fileID).Scan(&m.FileID, &m.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

// GetQueueItem returns a queue item by id, or ErrNotFound.
func (s *Store) GetQueueItem(ctx context.Context, id string) (model.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM content_queue WHERE id = ?`, id)
	it, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	return it, err
}

// ListQueue returns queue items, oldest first, optionally filtered by status.
func (s *Store) ListQueue(ctx context.Context, status model.QueueStatus) ([]model.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM content_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	return s.queryQueue(ctx, query, args...)
}

// ListClaimable returns pending items and processing items claimed before staleBefore.
func (s *Store) ListClaimable(ctx context.Context, staleBefore time.Time, limit int) ([]model.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM content_queue
		WHERE status = 'pending' OR (status = 'processing' AND claimed_at < ?)
		ORDER BY created_at, id`
	args := []any{staleBefore.Unix()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryQueue(ctx, query, args...)
}

func (s *Store) queryQueue(ctx context.Context, query string, args ...any) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ClaimQueueItem moves an item to processing if it is pending, or processing
// with a claim older than staleBefore. Any other state is a StateConflict.
func (s *Store) ClaimQueueItem(ctx context.Context, id string, staleBefore time.Time) (model.QueueItem, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_queue SET status = 'processing', claimed_at = ?, updated_at = ?, error = ''
		 WHERE id = ? AND (status = 'pending' OR (status = 'processing' AND claimed_at < ?))`,
		now.Unix(), now, id, staleBefore.Unix(),
	)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("claim queue item: %w", err)
	}
	if err := s.checkTransition(ctx, res, id); err != nil {
		return model.QueueItem{}, err
	}
	return s.GetQueueItem(ctx, id)
}

// CompleteQueueItem stores the review items extracted from a processing queue
// item and marks it completed, in one transaction.
func (s *Store) CompleteQueueItem(ctx context.Context, id string, items []model.ReviewItem) error {
	now := s.now()
	var conflict error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE content_queue SET status = 'completed', updated_at = ?, error = ''
			 WHERE id = ? AND status = 'processing'`, now, id)
		if err != nil {
			return fmt.Errorf("complete queue item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			conflict = errNoTransition
			return conflict
		}
		for i := range items {
			items[i].QueueItemID = id
			if err := s.insertReviewItem(ctx, tx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if conflict != nil {
		return s.transitionConflict(ctx, id)
	}
	return err
}

// FailQueueItem marks a processing queue item failed with the error text.
func (s *Store) FailQueueItem(ctx context.Context, id, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_queue SET status = 'failed', error = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`, errText, s.now(), id)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// ReleaseQueueItem returns an abandoned processing item to pending so the
// next pass claims it again.
func (s *Store) ReleaseQueueItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_queue SET status = 'pending', claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`, s.now(), id)
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

var errNoTransition = errors.New("no transition")

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.transitionConflict(ctx, id)
}

func (s *Store) transitionConflict(ctx context.Context, id string) error {
	it, err := s.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	return apperr.Conflict("queue item", id, string(it.Status))
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/model"
)

func (s *Store) insertReviewItem(ctx context.Context, db execer, it *model.ReviewItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = s.now()
	}
	taxonomy, err := encodeJSON(it.Taxonomy)
	if err != nil {
		return fmt.Errorf("encode taxonomy: %w", err)
	}
	question, err := encodeJSON(it.Question)
	if err != nil {
		return fmt.Errorf("encode question: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO review_queue (id, queue_item_id, stem, topic, answer, taxonomy, question, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.QueueItemID, it.Stem, it.Topic, it.Answer, taxonomy, question, it.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert review item: %w", err)
	}
	return nil
}

// InsertReviewItem stores a single candidate question for curation.
func (s *Store) InsertReviewItem(ctx context.Context, it model.ReviewItem) (model.ReviewItem, error) {
	if err := s.insertReviewItem(ctx, s.db, &it); err != nil {
		return model.ReviewItem{}, err
	}
	return it, nil
}

// InsertReviewItems stores a batch of candidates in one transaction. Either
// every item is stored or none is.
func (s *Store) InsertReviewItems(ctx context.Context, items []model.ReviewItem) ([]model.ReviewItem, error) {
	out := make([]model.ReviewItem, len(items))
	copy(out, items)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range out {
			if err := s.insertReviewItem(ctx, tx, &out[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanReviewItem(row scanner) (model.ReviewItem, error) {
	var it model.ReviewItem
	var taxonomy, question string
	if err := row.Scan(&it.ID, &it.QueueItemID, &it.Stem, &it.Topic, &it.Answer, &taxonomy, &question,
		&it.CreatedAt); err != nil {
		return it, err
	}
	if err := decodeJSON(taxonomy, &it.Taxonomy); err != nil {
		return it, fmt.Errorf("decode taxonomy: %w", err)
	}
	if err := decodeJSON(question, &it.Question); err != nil {
		return it, fmt.Errorf("decode question: %w", err)
	}
	return it, nil
}

const reviewColumns = `id, queue_item_id, stem, topic, answer, taxonomy, question, created_at`

// GetReviewItem returns a review item by id, or ErrNotFound.
func (s *Store) GetReviewItem(ctx context.Context, id string) (model.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE id = ?`, id)
	it, err := scanReviewItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	return it, err
}

// ListReviewItems returns pending review items, oldest first.
func (s *Store) ListReviewItems(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_queue ORDER BY created_at, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.ReviewItem
	for rows.Next() {
		it, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// PublishReviewItem deletes the review item and inserts q in its place, in one
// transaction. If the review item is already gone nothing is written and
// ErrNotFound is returned.
func (s *Store) PublishReviewItem(ctx context.Context, reviewID string, q model.Question) (model.Question, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM review_queue WHERE id = ?`, reviewID)
		if err != nil {
			return fmt.Errorf("delete review item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return s.insertQuestion(ctx, tx, &q)
	})
	if err != nil {
		return model.Question{}, err
	}
	return q, nil
}

// DeleteReviewItem removes a review item, returning ErrNotFound if it is absent.
func (s *Store) DeleteReviewItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM review_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete review item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReviewItemCount returns the number of items awaiting curation.
func (s *Store) ReviewItemCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_queue`).Scan(&n)
	return n, err
}

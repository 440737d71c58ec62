package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/model"
)

// InsertPaper stores an assembled paper.
func (s *Store) InsertPaper(ctx context.Context, p model.Paper) (model.Paper, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	sections, err := encodeJSON(nonNil(p.Sections))
	if err != nil {
		return p, fmt.Errorf("encode sections: %w", err)
	}
	metadata, err := encodeJSON(p.Metadata)
	if err != nil {
		return p, fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO papers (id, title, course_id, subject_id, sections, total_marks, duration_minutes,
			instructions, metadata, created_at, exported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.CourseID, p.SubjectID, sections, p.TotalMarks, p.DurationMinutes,
		p.Instructions, metadata, p.CreatedAt, nullTime(p.ExportedAt),
	)
	if err != nil {
		return p, fmt.Errorf("insert paper: %w", err)
	}
	return p, nil
}

// GetPaper returns a paper by id, or ErrNotFound.
func (s *Store) GetPaper(ctx context.Context, id string) (model.Paper, error) {
	var p model.Paper
	var sections, metadata string
	var exportedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, course_id, subject_id, sections, total_marks, duration_minutes, instructions,
			metadata, created_at, exported_at
		 FROM papers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.CourseID, &p.SubjectID, &sections, &p.TotalMarks, &p.DurationMinutes,
		&p.Instructions, &metadata, &p.CreatedAt, &exportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ExportedAt = timePtr(exportedAt)
	if err := decodeJSON(sections, &p.Sections); err != nil {
		return p, fmt.Errorf("decode sections: %w", err)
	}
	if err := decodeJSON(metadata, &p.Metadata); err != nil {
		return p, fmt.Errorf("decode metadata: %w", err)
	}
	return p, nil
}

// MarkPaperExported stamps the paper's export time. Later exports keep the first stamp.
func (s *Store) MarkPaperExported(ctx context.Context, id string) (model.Paper, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE papers SET exported_at = COALESCE(exported_at, ?) WHERE id = ?`, s.now(), id)
	if err != nil {
		return model.Paper{}, fmt.Errorf("mark paper exported: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Paper{}, ErrNotFound
	}
	return s.GetPaper(ctx, id)
}

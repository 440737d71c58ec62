package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

// InsertEvaluation stores an evaluation record. Records are never updated; a
// record can be superseded by one correction only.
func (s *Store) InsertEvaluation(ctx context.Context, rec model.EvaluationRecord) (model.EvaluationRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	result, err := encodeJSON(rec.Result)
	if err != nil {
		return rec, fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluations (id, paper_id, student_id, sheet_url, result, supersedes_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PaperID, rec.StudentID, rec.SheetURL, result, rec.SupersedesID, rec.CreatedAt,
	)
	if isUniqueViolation(err) && rec.SupersedesID != "" {
		return rec, apperr.Conflict("evaluation", rec.SupersedesID, "already corrected")
	}
	if err != nil {
		return rec, fmt.Errorf("insert evaluation: %w", err)
	}
	return rec, nil
}

const evaluationColumns = `id, paper_id, student_id, sheet_url, result, supersedes_id, created_at`

func scanEvaluation(row scanner) (model.EvaluationRecord, error) {
	var rec model.EvaluationRecord
	var result string
	if err := row.Scan(&rec.ID, &rec.PaperID, &rec.StudentID, &rec.SheetURL, &result, &rec.SupersedesID,
		&rec.CreatedAt); err != nil {
		return rec, err
	}
	if err := decodeJSON(result, &rec.Result); err != nil {
		return rec, fmt.Errorf("decode result: %w", err)
	}
	return rec, nil
}

// GetEvaluation returns an evaluation record by id, or ErrNotFound.
func (s *Store) GetEvaluation(ctx context.Context, id string) (model.EvaluationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, id)
	rec, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// ListStudentEvaluations returns a student's current evaluations, oldest first.
// Records superseded by a correction are left out.
func (s *Store) ListStudentEvaluations(ctx context.Context, studentID string) ([]model.EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations e
		 WHERE student_id = ?
		   AND NOT EXISTS (SELECT 1 FROM evaluations c WHERE c.supersedes_id = e.id)
		 ORDER BY created_at, id`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []model.EvaluationRecord
	for rows.Next() {
		rec, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// InsertEvaluationFailure records an evaluation that needs a human grader.
func (s *Store) InsertEvaluationFailure(ctx context.Context, f model.EvaluationFailure) (model.EvaluationFailure, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluation_failures (id, paper_id, student_id, sheet_url, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.PaperID, f.StudentID, f.SheetURL, f.Error, f.CreatedAt,
	)
	if err != nil {
		return f, fmt.Errorf("insert evaluation failure: %w", err)
	}
	return f, nil
}

// ListEvaluationFailures returns recorded failures, newest first.
func (s *Store) ListEvaluationFailures(ctx context.Context) ([]model.EvaluationFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, paper_id, student_id, sheet_url, error, created_at
		 FROM evaluation_failures ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EvaluationFailure
	for rows.Next() {
		var f model.EvaluationFailure
		if err := rows.Scan(&f.ID, &f.PaperID, &f.StudentID, &f.SheetURL, &f.Error, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

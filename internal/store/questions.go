package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/model"
)

const questionColumns = `id, stem_markdown, type, options, correct_answer, taxonomy, figures, marks,
	source_document_url, is_published, created_at, approved_at`

// QuestionFilter narrows a question search. Zero values match everything.
type QuestionFilter struct {
	Type           model.QuestionType
	Topic          string
	Domain         string
	Curriculum     string
	ScaffoldLevel  int
	MinScaffold    int
	MaxScaffold    int
	Text           string
	PublishedOnly  bool
	Limit          int
	ExcludeIDs     []string
	CognitiveDepth model.CognitiveDepth
}

// InsertQuestion stores a question, assigning an id and creation time if missing.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (model.Question, error) {
	if err := s.insertQuestion(ctx, s.db, &q); err != nil {
		return model.Question{}, err
	}
	return q, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertQuestion(ctx context.Context, db execer, q *model.Question) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now()
	}
	options, err := encodeJSON(nonNil(q.Options))
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	taxonomy, err := encodeJSON(q.Taxonomy)
	if err != nil {
		return fmt.Errorf("encode taxonomy: %w", err)
	}
	figures, err := encodeJSON(nonNil(q.Figures))
	if err != nil {
		return fmt.Errorf("encode figures: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO questions (id, stem_markdown, type, options, correct_answer, taxonomy, domain, topic,
			curriculum, scaffold_level, figures, marks, source_document_url, is_published, created_at, approved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.StemMarkdown, string(q.Type), options, q.CorrectAnswer, taxonomy,
		q.Taxonomy.Domain, q.Taxonomy.Topic, q.Taxonomy.Curriculum, q.Taxonomy.ScaffoldLevel,
		figures, q.Marks, q.SourceDocumentURL, q.IsPublished, q.CreatedAt, nullTime(q.ApprovedAt),
	)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanQuestion(row scanner) (model.Question, error) {
	var q model.Question
	var qType, options, taxonomy, figures string
	var approvedAt sql.NullTime
	if err := row.Scan(&q.ID, &q.StemMarkdown, &qType, &options, &q.CorrectAnswer, &taxonomy, &figures,
		&q.Marks, &q.SourceDocumentURL, &q.IsPublished, &q.CreatedAt, &approvedAt); err != nil {
		return q, err
	}
	q.Type = model.QuestionType(qType)
	q.ApprovedAt = timePtr(approvedAt)
	if err := decodeJSON(options, &q.Options); err != nil {
		return q, fmt.Errorf("decode options: %w", err)
	}
	if err := decodeJSON(taxonomy, &q.Taxonomy); err != nil {
		return q, fmt.Errorf("decode taxonomy: %w", err)
	}
	if err := decodeJSON(figures, &q.Figures); err != nil {
		return q, fmt.Errorf("decode figures: %w", err)
	}
	if len(q.Options) == 0 {
		q.Options = nil
	}
	if len(q.Figures) == 0 {
		q.Figures = nil
	}
	return q, nil
}

// GetQuestion returns a question by id, or ErrNotFound.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return q, ErrNotFound
	}
	return q, err
}

// GetQuestionsByIDs returns the questions with the given ids keyed by id.
// Missing ids are simply absent from the map.
func (s *Store) GetQuestionsByIDs(ctx context.Context, ids []string) (map[string]model.Question, error) {
	out := make(map[string]model.Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out[q.ID] = q
	}
	return out, rows.Err()
}

// SearchQuestions returns questions matching f, newest first.
func (s *Store) SearchQuestions(ctx context.Context, f QuestionFilter) ([]model.Question, error) {
	var where []string
	var args []any
	if f.PublishedOnly {
		where = append(where, "is_published = 1")
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Topic != "" {
		where = append(where, "topic = ? COLLATE NOCASE")
		args = append(args, f.Topic)
	}
	if f.Domain != "" {
		where = append(where, "domain = ? COLLATE NOCASE")
		args = append(args, f.Domain)
	}
	if f.Curriculum != "" {
		where = append(where, "curriculum = ? COLLATE NOCASE")
		args = append(args, f.Curriculum)
	}
	if f.ScaffoldLevel > 0 {
		where = append(where, "scaffold_level = ?")
		args = append(args, f.ScaffoldLevel)
	}
	if f.MinScaffold > 0 {
		where = append(where, "scaffold_level >= ?")
		args = append(args, f.MinScaffold)
	}
	if f.MaxScaffold > 0 {
		where = append(where, "scaffold_level <= ?")
		args = append(args, f.MaxScaffold)
	}
	if f.CognitiveDepth != "" {
		where = append(where, "json_extract(taxonomy, '$.cognitiveDepth') = ?")
		args = append(args, string(f.CognitiveDepth))
	}
	if f.Text != "" {
		where = append(where, "stem_markdown LIKE ?")
		args = append(args, "%"+f.Text+"%")
	}
	if len(f.ExcludeIDs) > 0 {
		where = append(where, "id NOT IN ("+placeholders(len(f.ExcludeIDs))+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}

	query := `SELECT ` + questionColumns + ` FROM questions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of questions in the bank.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n)
	return n, err
}

// ListDistinctTopics returns the sorted distinct topics of published questions.
func (s *Store) ListDistinctTopics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT topic FROM questions WHERE is_published = 1 AND topic != '' ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

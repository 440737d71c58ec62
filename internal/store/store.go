package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		stem_markdown TEXT NOT NULL,
		type TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL DEFAULT '',
		taxonomy TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		curriculum TEXT NOT NULL DEFAULT '',
		scaffold_level INTEGER NOT NULL DEFAULT 1,
		figures TEXT NOT NULL DEFAULT '[]',
		marks INTEGER NOT NULL DEFAULT 1,
		source_document_url TEXT NOT NULL DEFAULT '',
		is_published INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		approved_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_questions_search ON questions(is_published, type, topic);

	CREATE TABLE IF NOT EXISTS content_queue (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		source_path TEXT NOT NULL DEFAULT '',
		curriculum TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		source TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		claimed_at INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_content_queue_status ON content_queue(status);

	CREATE TABLE IF NOT EXISTS processed_files (
		file_id TEXT PRIMARY KEY,
		synced_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS review_queue (
		id TEXT PRIMARY KEY,
		queue_item_id TEXT NOT NULL DEFAULT '',
		stem TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT '',
		taxonomy TEXT NOT NULL,
		question TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS papers (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		course_id TEXT NOT NULL DEFAULT '',
		subject_id TEXT NOT NULL DEFAULT '',
		sections TEXT NOT NULL,
		total_marks INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		instructions TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT 'null',
		created_at DATETIME NOT NULL,
		exported_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		paper_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		sheet_url TEXT NOT NULL,
		result TEXT NOT NULL,
		supersedes_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_student ON evaluations(student_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_evaluations_supersedes ON evaluations(supersedes_id) WHERE supersedes_id != '';

	CREATE TABLE IF NOT EXISTS evaluation_failures (
		id TEXT PRIMARY KEY,
		paper_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		sheet_url TEXT NOT NULL,
		error TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a transaction, committing if it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package store

import (
	"database/sql"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

const importHashPrefix = "import_hash:"

// GetImportedFileHash returns the content hash recorded when path was last
// imported, or an empty string if it never was.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	return s.GetMetadata(importHashPrefix + path)
}

// SetImportedFileHash records the content hash of an imported questions file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	return s.SetMetadata(importHashPrefix+path, hash)
}

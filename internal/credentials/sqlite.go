package credentials

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const tokenSchema = `
CREATE TABLE IF NOT EXISTS tokens (
	identity TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore keeps tokens in a single-table sqlite database keyed by identity.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("credentials: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credentials: enable wal: %w", err)
	}
	if _, err := db.Exec(tokenSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credentials: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(identity string) (Token, error) {
	key := strings.TrimSpace(identity)
	if key == "" {
		return Token{}, ErrIdentityMissing
	}
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM tokens WHERE identity = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		log.Warn().Err(err).Msg("credentials.SQLiteStore query failed")
		return Token{}, ErrNotFound
	}
	var tok Token
	if err := json.Unmarshal([]byte(payload), &tok); err != nil {
		log.Warn().Err(err).Msg("credentials.SQLiteStore discarding unreadable token")
		return Token{}, ErrNotFound
	}
	if err := tok.Validate(); err != nil {
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func (s *SQLiteStore) Save(identity string, token Token) error {
	key := strings.TrimSpace(identity)
	if key == "" {
		return ErrIdentityMissing
	}
	if err := token.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("credentials: begin: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO tokens (identity, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, key, string(payload), time.Now().UnixMilli())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("credentials: upsert token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("credentials: commit: %w", err)
	}
	return nil
}

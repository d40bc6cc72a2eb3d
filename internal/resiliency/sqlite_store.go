package resiliency

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDeadLetterStore keeps dead letters in a local SQLite file so they
// survive restarts
type SQLiteDeadLetterStore struct {
	db *sql.DB
}

// OpenSQLiteDeadLetterStore creates or opens the store at path
func OpenSQLiteDeadLetterStore(path string) (*SQLiteDeadLetterStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the driver serializes anyway
	db.SetMaxOpenConns(1)

	store := &SQLiteDeadLetterStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *SQLiteDeadLetterStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			venue TEXT NOT NULL,
			method TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			errors_json TEXT NOT NULL,
			first_failed_unix_millis INTEGER NOT NULL,
			last_failed_unix_millis INTEGER NOT NULL,
			replay_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_key
			ON dead_letters(venue, method)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDeadLetterStore) Put(ctx context.Context, letter DeadLetter) error {
	errorsJSON, err := json.Marshal(letter.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal error history: %w", err)
	}
	payload := string(letter.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, venue, method, payload_json, attempts, errors_json,
			first_failed_unix_millis, last_failed_unix_millis, replay_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			errors_json = excluded.errors_json,
			last_failed_unix_millis = excluded.last_failed_unix_millis,
			replay_count = excluded.replay_count`,
		letter.ID, letter.Venue, letter.Method, payload, letter.Attempts, string(errorsJSON),
		letter.FirstFailedAt.UnixMilli(), letter.LastFailedAt.UnixMilli(), letter.ReplayCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

const selectDeadLetter = `SELECT id, venue, method, payload_json, attempts, errors_json,
	first_failed_unix_millis, last_failed_unix_millis, replay_count FROM dead_letters`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var (
		l                 DeadLetter
		payload, errsJSON string
		first, last       int64
	)
	if err := row.Scan(&l.ID, &l.Venue, &l.Method, &payload, &l.Attempts, &errsJSON, &first, &last, &l.ReplayCount); err != nil {
		return DeadLetter{}, err
	}
	l.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(errsJSON), &l.Errors); err != nil {
		return DeadLetter{}, fmt.Errorf("failed to decode error history of %s: %w", l.ID, err)
	}
	l.FirstFailedAt = time.UnixMilli(first).UTC()
	l.LastFailedAt = time.UnixMilli(last).UTC()
	return l, nil
}

func (s *SQLiteDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	l, err := scanDeadLetter(s.db.QueryRowContext(ctx, selectDeadLetter+" WHERE id = ?", id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("failed to load dead letter: %w", err)
	}
	return l, nil
}

// List returns letters oldest first
func (s *SQLiteDeadLetterStore) List(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, selectDeadLetter+" ORDER BY first_failed_unix_millis ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		l, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

func (s *SQLiteDeadLetterStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return nil
}

func (s *SQLiteDeadLetterStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteDeadLetterStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Package checkpoint persists conversation state between runs so a
// restarted process resumes each user's conversation instead of
// starting blank. State blobs are gzip-compressed JSON keyed by the
// (user, secretary) pair.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/periapt-io/secretary/internal/conversation"
)

// Store handles checkpoint persistence.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	return NewStore(db)
}

// NewStore creates a checkpoint store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_checkpoints (
			user_id TEXT NOT NULL,
			secretary_id TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			token_count INTEGER NOT NULL,
			PRIMARY KEY (user_id, secretary_id)
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_updated
			ON conversation_checkpoints(updated_at DESC);
	`)
	return err
}

// Save upserts the checkpoint for st's (user, secretary) pair. It
// implements [conversation.Saver].
func (s *Store) Save(ctx context.Context, st *conversation.State) error {
	if st.UserID == "" || st.SecretaryID == "" {
		return errors.New("checkpoint requires user and secretary ids")
	}

	stateJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	compressed := buf.Bytes()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_checkpoints
			(user_id, secretary_id, updated_at, state_gz, byte_size, message_count, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, secretary_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			state_gz = excluded.state_gz,
			byte_size = excluded.byte_size,
			message_count = excluded.message_count,
			token_count = excluded.token_count
	`, st.UserID, st.SecretaryID, time.Now().UTC().Format(time.RFC3339),
		compressed, len(compressed), len(st.Messages), st.TokenCount)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Load returns the checkpointed state for a pair, or (nil, nil) when
// none exists yet.
func (s *Store) Load(ctx context.Context, userID, secretaryID string) (*conversation.State, error) {
	var stateGz []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state_gz FROM conversation_checkpoints
		WHERE user_id = ? AND secretary_id = ?
	`, userID, secretaryID).Scan(&stateGz)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var st conversation.State
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// Delete removes a pair's checkpoint. Absent rows are not an error.
func (s *Store) Delete(ctx context.Context, userID, secretaryID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_checkpoints
		WHERE user_id = ? AND secretary_id = ?
	`, userID, secretaryID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Prune removes checkpoints not updated within olderThan, keeping at
// least minKeep rows. Returns how many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, minKeep int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_checkpoints`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_checkpoints
		WHERE (user_id, secretary_id) IN (
			SELECT user_id, secretary_id FROM conversation_checkpoints
			WHERE updated_at < ?
			ORDER BY updated_at ASC
			LIMIT ?
		)
	`, cutoff.Format(time.RFC3339), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

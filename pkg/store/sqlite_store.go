package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"mednote/pkg/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transcripts (
	id            TEXT PRIMARY KEY,
	owner_subject TEXT NOT NULL,
	owner_phone   TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL DEFAULT '',
	timestamp     TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_owner_created ON transcripts (owner_subject, created_at);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreateTranscript inserts t under a fresh UUID.
func (s *SQLiteStore) CreateTranscript(ctx context.Context, t domain.Transcript) (string, error) {
	id := uuid.NewString()
	now := toMicros(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (id, owner_subject, owner_phone, name, content, timestamp, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.OwnerSubject, t.OwnerPhone, t.Name, t.Content, t.Timestamp, t.Summary, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert transcript: %w", err)
	}
	return id, nil
}

const selectTranscriptColumns = `SELECT id, owner_subject, owner_phone, name, content, timestamp, summary, created_at, updated_at FROM transcripts`

// ListTranscriptsByOwner returns the subject's transcripts, newest first.
func (s *SQLiteStore) ListTranscriptsByOwner(ctx context.Context, subject string) ([]domain.Transcript, error) {
	rows, err := s.db.QueryContext(ctx, selectTranscriptColumns+`
		WHERE owner_subject = ?
		ORDER BY created_at DESC, id DESC`, subject)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	res := make([]domain.Transcript, 0)
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return res, nil
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, id, subject string) (domain.Transcript, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Transcript{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, selectTranscriptColumns+` WHERE id = ? AND owner_subject = ?`, id, subject)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transcript{}, false, nil
	}
	if err != nil {
		return domain.Transcript{}, false, err
	}
	return t, true, nil
}

func (s *SQLiteStore) UpdateTranscriptFields(ctx context.Context, id, subject string, patch domain.TranscriptPatch) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	sets := []string{"updated_at = ?"}
	args := []any{toMicros(time.Now())}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *patch.Summary)
	}
	args = append(args, id, subject)
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcripts SET `+strings.Join(sets, ", ")+` WHERE id = ? AND owner_subject = ?`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("update transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteTranscript(ctx context.Context, id, subject string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE id = ? AND owner_subject = ?`, id, subject)
	if err != nil {
		return false, fmt.Errorf("delete transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (domain.Transcript, error) {
	var (
		t                  domain.Transcript
		createdAt, updated int64
	)
	if err := row.Scan(&t.ID, &t.OwnerSubject, &t.OwnerPhone, &t.Name, &t.Content, &t.Timestamp, &t.Summary, &createdAt, &updated); err != nil {
		return domain.Transcript{}, err
	}
	t.CreatedAt = fromMicros(createdAt)
	t.UpdatedAt = fromMicros(updated)
	return t, nil
}

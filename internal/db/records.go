package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/errors"
)

// lookupChunk keeps IN lists below SQLite's bound-parameter limit.
const lookupChunk = 500

// RecordStore keeps one table of known records per category.
type RecordStore struct {
	db *sql.DB

	mu      sync.Mutex
	ensured map[string]bool
}

// NewRecordStore returns a RecordStore backed by an initialized database (see Init).
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db, ensured: make(map[string]bool)}
}

// EnsureCategory creates the record table for category and registers it.
// Safe to call repeatedly.
func (s *RecordStore) EnsureCategory(ctx context.Context, category string) error {
	if !changes.ValidCategory(category) {
		return errors.NewInvalidRequest(fmt.Sprintf("%q is not a valid category name", category))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[category] {
		return nil
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
		  id          TEXT PRIMARY KEY,
		  title       TEXT NOT NULL,
		  content     TEXT NOT NULL,
		  notified_at INTEGER,
		  message_id  TEXT,
		  created_at  INTEGER NOT NULL,
		  updated_at  INTEGER NOT NULL
		)`, quoteIdent(category))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO categories (name, created_at) VALUES (?, ?)`,
		category, time.Now().Unix(),
	)
	if err != nil {
		return errors.NewStoreUnavailable(err)
	}

	s.ensured[category] = true
	return nil
}

// Lookup returns the stored records whose ids are in ids.
func (s *RecordStore) Lookup(ctx context.Context, category string, ids []string) ([]changes.KnownRecord, error) {
	if err := s.EnsureCategory(ctx, category); err != nil {
		return nil, err
	}

	records := []changes.KnownRecord{}
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf(`
			SELECT id, title, content, notified_at, message_id, created_at, updated_at
			FROM %s
			WHERE id IN (%s)
		`, quoteIdent(category), placeholders(len(chunk)))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, errors.NewStoreUnavailable(err)
		}
		found, err := scanRecords(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}
	return records, nil
}

// Insert stores a new record. Fails with DUPLICATE_KEY if the id exists.
func (s *RecordStore) Insert(ctx context.Context, category string, rec changes.KnownRecord) error {
	if err := s.EnsureCategory(ctx, category); err != nil {
		return err
	}

	var notifiedAt sql.NullInt64
	if rec.Notified {
		notifiedAt = sql.NullInt64{Int64: rec.CreatedAt, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, title, content, notified_at, message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, quoteIdent(category))

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Title, rec.Content, notifiedAt, toNullString(rec.MessageID),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewDuplicateKey(category, rec.ID)
		}
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// Update replaces title and content of an existing record.
// Fails with NOT_FOUND if the id does not exist.
func (s *RecordStore) Update(ctx context.Context, category, id, title, content string) error {
	if err := s.EnsureCategory(ctx, category); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET title = ?, content = ?, updated_at = ?
		WHERE id = ?
	`, quoteIdent(category))

	result, err := s.db.ExecContext(ctx, query, title, content, time.Now().Unix(), id)
	if err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return requireAffected(result, category, id)
}

// MarkNotified flags a record as surfaced downstream and optionally records the
// downstream message reference. The first notification time is kept; a nil
// messageID leaves any stored reference untouched.
func (s *RecordStore) MarkNotified(ctx context.Context, category, id string, messageID *string) error {
	if err := s.EnsureCategory(ctx, category); err != nil {
		return err
	}

	now := time.Now().Unix()
	query := fmt.Sprintf(`
		UPDATE %s
		SET notified_at = COALESCE(notified_at, ?),
		    message_id = COALESCE(?, message_id),
		    updated_at = ?
		WHERE id = ?
	`, quoteIdent(category))

	result, err := s.db.ExecContext(ctx, query, now, toNullString(messageID), now, id)
	if err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return requireAffected(result, category, id)
}

// List returns records of a category, newest first.
func (s *RecordStore) List(ctx context.Context, category string, limit, offset int) ([]changes.KnownRecord, error) {
	if err := s.EnsureCategory(ctx, category); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, title, content, notified_at, message_id, created_at, updated_at
		FROM %s
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, quoteIdent(category))

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}
	return scanRecords(rows)
}

// Count returns the number of records stored for a category.
func (s *RecordStore) Count(ctx context.Context, category string) (int, error) {
	if err := s.EnsureCategory(ctx, category); err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(category))
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, errors.NewStoreUnavailable(err)
	}
	return count, nil
}

// Categories returns every category that has a record table, sorted by name.
func (s *RecordStore) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM categories ORDER BY name`)
	if err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.NewStoreUnavailable(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}
	return names, nil
}

func scanRecords(rows *sql.Rows) ([]changes.KnownRecord, error) {
	defer rows.Close()

	records := []changes.KnownRecord{}
	for rows.Next() {
		var (
			rec        changes.KnownRecord
			notifiedAt sql.NullInt64
			messageID  sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &rec.Title, &rec.Content, &notifiedAt, &messageID,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, errors.NewStoreUnavailable(err)
		}
		rec.Notified = notifiedAt.Valid
		rec.MessageID = fromNullString(messageID)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}
	return records, nil
}

func requireAffected(result sql.Result, category, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewStoreUnavailable(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound(category, id)
	}
	return nil
}

// quoteIdent quotes a category name for use as a table name.
// Names are validated by changes.ValidCategory before reaching SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// toNullString converts a *string to sql.NullString.
func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

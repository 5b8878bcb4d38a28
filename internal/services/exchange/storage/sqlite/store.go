package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	sqlitemigrate "github.com/anchormesh/anchormesh/internal/platform/storage/sqlitemigrate"
	"github.com/anchormesh/anchormesh/internal/services/exchange/storage"
	"github.com/anchormesh/anchormesh/internal/services/exchange/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for the message exchange log.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an exchange SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

const messageColumns = "m_author, m_recipient, m_link, m_permalink, m_sig_pub_key, m_time, m_seq, p_link, p_permalink, p_author, p_sig_pub_key, p_type, body"

// PutInbound inserts one inbound envelope row keyed (author, link).
// A replayed link for the same author surfaces as storage.ErrConflict.
func (s *Store) PutInbound(ctx context.Context, record storage.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeRecord(record, true)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO inbox (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, normalized.Author,
		normalized.Recipient,
		normalized.Link,
		normalized.Permalink,
		normalized.SigPubKey,
		normalized.Time,
		normalized.Seq,
		normalized.PayloadLink,
		normalized.PayloadPermalink,
		normalized.PayloadAuthor,
		normalized.PayloadSigPubKey,
		normalized.PayloadType,
		normalized.Body,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put inbound message: %w", err)
	}
	return nil
}

// PutOutbound inserts one outbound envelope row keyed (recipient, seq).
// A concurrent writer that already claimed the seq surfaces as
// storage.ErrConflict so the caller can re-read the seq and retry.
func (s *Store) PutOutbound(ctx context.Context, record storage.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeRecord(record, false)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO outbox (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, normalized.Author,
		normalized.Recipient,
		normalized.Link,
		normalized.Permalink,
		normalized.SigPubKey,
		normalized.Time,
		normalized.Seq,
		normalized.PayloadLink,
		normalized.PayloadPermalink,
		normalized.PayloadAuthor,
		normalized.PayloadSigPubKey,
		normalized.PayloadType,
		normalized.Body,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put outbound message: %w", err)
	}
	return nil
}

// ListTo returns outbound messages for recipient strictly newer than gt in
// ascending time order, capped at limit when limit is positive.
func (s *Store) ListTo(ctx context.Context, recipient string, gt int64, limit int) ([]storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM outbox
WHERE m_recipient = ? AND m_time > ?
ORDER BY m_time ASC, m_seq ASC
LIMIT ?
`, recipient, gt, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbound messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows, false)
}

// ListFrom returns inbound messages from author strictly newer than gt in
// ascending time order, capped at limit when limit is positive.
func (s *Store) ListFrom(ctx context.Context, author string, gt int64, limit int) ([]storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	author = strings.TrimSpace(author)
	if author == "" {
		return nil, fmt.Errorf("author is required")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM inbox
WHERE m_author = ? AND m_time > ?
ORDER BY m_time ASC
LIMIT ?
`, author, gt, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbound messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows, true)
}

// LastTo returns the most recent outbound message for recipient.
func (s *Store) LastTo(ctx context.Context, recipient string) (storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MessageRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MessageRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM outbox
WHERE m_recipient = ?
ORDER BY m_time DESC, m_seq DESC
LIMIT 1
`, strings.TrimSpace(recipient))
	record, err := scanMessage(row.Scan, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MessageRecord{}, storage.ErrNotFound
		}
		return storage.MessageRecord{}, fmt.Errorf("last outbound message: %w", err)
	}
	return record, nil
}

// LastFrom returns the most recent inbound message from author.
func (s *Store) LastFrom(ctx context.Context, author string) (storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MessageRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MessageRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM inbox
WHERE m_author = ?
ORDER BY m_time DESC
LIMIT 1
`, strings.TrimSpace(author))
	record, err := scanMessage(row.Scan, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MessageRecord{}, storage.ErrNotFound
		}
		return storage.MessageRecord{}, fmt.Errorf("last inbound message: %w", err)
	}
	return record, nil
}

// LastSeq returns the highest assigned outbound seq for recipient.
func (s *Store) LastSeq(ctx context.Context, recipient string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var seq int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT m_seq
FROM outbox
WHERE m_recipient = ?
ORDER BY m_seq DESC
LIMIT 1
`, strings.TrimSpace(recipient)).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("last outbound seq: %w", err)
	}
	return seq, nil
}

// InboundByLink returns the inbound message with the given envelope link.
func (s *Store) InboundByLink(ctx context.Context, link string) (storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MessageRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MessageRecord{}, fmt.Errorf("storage is not configured")
	}
	link = strings.TrimSpace(link)
	if link == "" {
		return storage.MessageRecord{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM inbox
WHERE m_link = ?
LIMIT 1
`, link)
	record, err := scanMessage(row.Scan, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MessageRecord{}, storage.ErrNotFound
		}
		return storage.MessageRecord{}, fmt.Errorf("inbound by link: %w", err)
	}
	return record, nil
}

// PutCursor upserts the delivery cursor for one recipient.
func (s *Store) PutCursor(ctx context.Context, cursor storage.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	cursor.Recipient = strings.TrimSpace(cursor.Recipient)
	if cursor.Recipient == "" {
		return fmt.Errorf("cursor recipient is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO delivery_cursors (recipient, m_time)
VALUES (?, ?)
ON CONFLICT(recipient) DO UPDATE SET m_time = excluded.m_time
`, cursor.Recipient, cursor.Time)
	if err != nil {
		return fmt.Errorf("put delivery cursor: %w", err)
	}
	return nil
}

// GetCursor loads the delivery cursor for one recipient.
func (s *Store) GetCursor(ctx context.Context, recipient string) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return storage.Cursor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Cursor{}, fmt.Errorf("storage is not configured")
	}
	recipient = strings.TrimSpace(recipient)

	cursor := storage.Cursor{Recipient: recipient}
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT m_time FROM delivery_cursors WHERE recipient = ?
`, recipient).Scan(&cursor.Time)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Cursor{}, storage.ErrNotFound
		}
		return storage.Cursor{}, fmt.Errorf("get delivery cursor: %w", err)
	}
	return cursor, nil
}

type scanner func(dest ...any) error

func normalizeRecord(record storage.MessageRecord, inbound bool) (storage.MessageRecord, error) {
	record.Author = strings.TrimSpace(record.Author)
	record.Recipient = strings.TrimSpace(record.Recipient)
	record.Link = strings.TrimSpace(record.Link)
	if record.Link == "" {
		return storage.MessageRecord{}, fmt.Errorf("message link is required")
	}
	if record.Time <= 0 {
		return storage.MessageRecord{}, fmt.Errorf("message time is required")
	}
	if inbound {
		if record.Author == "" {
			return storage.MessageRecord{}, fmt.Errorf("inbound message author is required")
		}
	} else {
		if record.Recipient == "" {
			return storage.MessageRecord{}, fmt.Errorf("outbound message recipient is required")
		}
		if record.Seq < 0 {
			return storage.MessageRecord{}, fmt.Errorf("outbound message seq must be non-negative")
		}
	}
	return record, nil
}

// scanMessage reads one row in messageColumns order. The inbound flag is
// derived from the source table rather than stored.
func scanMessage(scan scanner, inbound bool) (storage.MessageRecord, error) {
	var record storage.MessageRecord
	if err := scan(
		&record.Author,
		&record.Recipient,
		&record.Link,
		&record.Permalink,
		&record.SigPubKey,
		&record.Time,
		&record.Seq,
		&record.PayloadLink,
		&record.PayloadPermalink,
		&record.PayloadAuthor,
		&record.PayloadSigPubKey,
		&record.PayloadType,
		&record.Body,
	); err != nil {
		return storage.MessageRecord{}, err
	}
	record.Inbound = inbound
	return record, nil
}

func collectMessages(rows *sql.Rows, inbound bool) ([]storage.MessageRecord, error) {
	var results []storage.MessageRecord
	for rows.Next() {
		record, err := scanMessage(rows.Scan, inbound)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return results, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

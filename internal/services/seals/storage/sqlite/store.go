package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	sqlitemigrate "github.com/anchormesh/anchormesh/internal/platform/storage/sqlitemigrate"
	"github.com/anchormesh/anchormesh/internal/services/seals/storage"
	"github.com/anchormesh/anchormesh/internal/services/seals/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for seals.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a seal SQLite store at the provided path.
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

const sealColumns = "link, id, blockchain, network, permalink, address, pub_key, watch_type, write_seal, unsealed, unconfirmed, confirmations, tx_id, errors_json, time_created, time_updated, time_sealed, time_confirmed"

// Create inserts one seal. An existing seal for the link surfaces as
// storage.ErrConflict.
func (s *Store) Create(ctx context.Context, record storage.SealRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO seals (`+sealColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, record.Link,
		record.ID,
		record.Blockchain,
		record.Network,
		record.Permalink,
		record.Address,
		record.PubKey,
		record.WatchType,
		boolToInt(record.Write),
		boolToInt(record.Unsealed),
		boolToInt(record.Unconfirmed),
		record.Confirmations,
		record.TxID,
		record.ErrorsJSON,
		record.TimeCreated,
		record.TimeUpdated,
		record.TimeSealed,
		record.TimeConfirmed,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("create seal: %w", err)
	}
	return nil
}

// CreateBatch inserts records best-effort and returns the subset that
// failed with a retryable error. Existing links count as processed.
func (s *Store) CreateBatch(ctx context.Context, records []storage.SealRecord) ([]storage.SealRecord, error) {
	if s == nil || s.sqlDB == nil {
		return records, fmt.Errorf("storage is not configured")
	}

	var unprocessed []storage.SealRecord
	var lastErr error
	for _, record := range records {
		err := s.Create(ctx, record)
		if err == nil || errors.Is(err, storage.ErrConflict) {
			continue
		}
		unprocessed = append(unprocessed, record)
		lastErr = err
	}
	if len(unprocessed) > 0 {
		return unprocessed, fmt.Errorf("create seal batch: %d of %d unprocessed: %w", len(unprocessed), len(records), lastErr)
	}
	return nil, nil
}

// ByLink returns the seal for one envelope link.
func (s *Store) ByLink(ctx context.Context, link string) (storage.SealRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SealRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SealRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+sealColumns+`
FROM seals
WHERE link = ?
`, strings.TrimSpace(link))
	record, err := scanSeal(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SealRecord{}, storage.ErrNotFound
		}
		return storage.SealRecord{}, fmt.Errorf("seal by link: %w", err)
	}
	return record, nil
}

// Unsealed returns seals awaiting a chain write, oldest first.
func (s *Store) Unsealed(ctx context.Context, limit int) ([]storage.SealRecord, error) {
	return s.listFlagged(ctx, "unsealed", limit)
}

// Unconfirmed returns seals awaiting confirmations, oldest first.
func (s *Store) Unconfirmed(ctx context.Context, limit int) ([]storage.SealRecord, error) {
	return s.listFlagged(ctx, "unconfirmed", limit)
}

func (s *Store) listFlagged(ctx context.Context, flag string, limit int) ([]storage.SealRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+sealColumns+`
FROM seals
WHERE `+flag+` = 1
ORDER BY time_created ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s seals: %w", flag, err)
	}
	defer rows.Close()

	var records []storage.SealRecord
	for rows.Next() {
		record, err := scanSeal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan seal row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seal rows: %w", err)
	}
	return records, nil
}

// MarkSealed moves an unsealed seal into the unconfirmed state.
func (s *Store) MarkSealed(ctx context.Context, link, txID string, at int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE seals
SET unsealed = 0, unconfirmed = 1, tx_id = ?, time_sealed = ?, time_updated = ?
WHERE link = ? AND unsealed = 1
`, strings.TrimSpace(txID), at, at, strings.TrimSpace(link))
	if err != nil {
		return fmt.Errorf("mark seal sealed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark seal sealed: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateConfirmations applies a strictly greater confirmation count.
// Equal or lower counts leave the row untouched and report false.
func (s *Store) UpdateConfirmations(ctx context.Context, link string, confirmations int64, confirmed bool, at int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	unconfirmed := 1
	timeConfirmed := int64(0)
	if confirmed {
		unconfirmed = 0
		timeConfirmed = at
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE seals
SET confirmations = ?,
    unconfirmed = ?,
    time_confirmed = CASE WHEN ? > 0 AND time_confirmed = 0 THEN ? ELSE time_confirmed END,
    time_updated = ?
WHERE link = ? AND confirmations < ?
`, confirmations, unconfirmed, timeConfirmed, timeConfirmed, at, strings.TrimSpace(link), confirmations)
	if err != nil {
		return false, fmt.Errorf("update seal confirmations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update seal confirmations: %w", err)
	}
	return affected > 0, nil
}

// SetErrors replaces the stored failure history for one seal.
func (s *Store) SetErrors(ctx context.Context, link string, errorsJSON []byte, at int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE seals
SET errors_json = ?, time_updated = ?
WHERE link = ?
`, errorsJSON, at, strings.TrimSpace(link))
	if err != nil {
		return fmt.Errorf("set seal errors: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set seal errors: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner func(dest ...any) error

func scanSeal(scan scanner) (storage.SealRecord, error) {
	var record storage.SealRecord
	var write, unsealed, unconfirmed int
	if err := scan(
		&record.Link,
		&record.ID,
		&record.Blockchain,
		&record.Network,
		&record.Permalink,
		&record.Address,
		&record.PubKey,
		&record.WatchType,
		&write,
		&unsealed,
		&unconfirmed,
		&record.Confirmations,
		&record.TxID,
		&record.ErrorsJSON,
		&record.TimeCreated,
		&record.TimeUpdated,
		&record.TimeSealed,
		&record.TimeConfirmed,
	); err != nil {
		return storage.SealRecord{}, err
	}
	record.Write = write == 1
	record.Unsealed = unsealed == 1
	record.Unconfirmed = unconfirmed == 1
	return record, nil
}

func validateRecord(record storage.SealRecord) error {
	if strings.TrimSpace(record.Link) == "" {
		return fmt.Errorf("seal link is required")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("seal id is required")
	}
	if strings.TrimSpace(record.Blockchain) == "" {
		return fmt.Errorf("seal blockchain is required")
	}
	if strings.TrimSpace(record.Address) == "" {
		return fmt.Errorf("seal address is required")
	}
	if strings.TrimSpace(record.WatchType) == "" {
		return fmt.Errorf("seal watch type is required")
	}
	if record.TimeCreated <= 0 {
		return fmt.Errorf("seal create time is required")
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no seal matched the lookup.
	ErrNotFound = errors.New("seal not found")
	// ErrConflict indicates a seal already exists for the link.
	ErrConflict = errors.New("seal already exists")
)

// SealRecord is the flat stored form of one seal.
//
// Unsealed marks a seal awaiting a chain write; Unconfirmed marks one
// awaiting confirmations. Confirmations is -1 while unknown and only
// ever grows. ErrorsJSON holds the bounded failure history encoded by
// the domain layer.
type SealRecord struct {
	ID            string
	Blockchain    string
	Network       string
	Link          string
	Permalink     string
	Address       string
	PubKey        string
	WatchType     string
	Write         bool
	Unsealed      bool
	Unconfirmed   bool
	Confirmations int64
	TxID          string
	ErrorsJSON    []byte
	TimeCreated   int64
	TimeUpdated   int64
	TimeSealed    int64
	TimeConfirmed int64
}

// SealStore persists seals keyed by envelope link.
type SealStore interface {
	Create(ctx context.Context, record SealRecord) error
	// CreateBatch inserts records best-effort and returns the subset
	// that was not persisted. A record whose link already exists is
	// treated as processed.
	CreateBatch(ctx context.Context, records []SealRecord) ([]SealRecord, error)
	ByLink(ctx context.Context, link string) (SealRecord, error)
	Unsealed(ctx context.Context, limit int) ([]SealRecord, error)
	Unconfirmed(ctx context.Context, limit int) ([]SealRecord, error)
	// MarkSealed moves an unsealed seal into the unconfirmed state,
	// recording the chain transaction it was written in.
	MarkSealed(ctx context.Context, link, txID string, at int64) error
	// UpdateConfirmations applies a strictly greater confirmation count
	// and reports whether the row changed. Lower or equal counts are
	// ignored so confirmations never regress.
	UpdateConfirmations(ctx context.Context, link string, confirmations int64, confirmed bool, at int64) (bool, error)
	SetErrors(ctx context.Context, link string, errorsJSON []byte, at int64) error
}

package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anchormesh/anchormesh/internal/services/seals/storage"
)

// ConfirmationsUnknown marks a seal whose chain state has not been
// observed yet.
const ConfirmationsUnknown int64 = -1

// maxErrorHistory bounds the per-seal failure history. Older entries
// are dropped as new ones arrive.
const maxErrorHistory = 10

// WatchType selects which object version a seal's address tracks.
type WatchType string

const (
	// WatchTypeThis tracks the sealed version itself.
	WatchTypeThis WatchType = "this"
	// WatchTypeNext tracks the not-yet-existing next version.
	WatchTypeNext WatchType = "next"
)

var (
	// ErrSealExists indicates a seal was already created for the link.
	ErrSealExists = errors.New("seal already exists")
	// ErrSealNotFound indicates no seal matched the lookup.
	ErrSealNotFound = errors.New("seal not found")
	// ErrUnknownWatchType indicates a watch type outside this|next.
	ErrUnknownWatchType = errors.New("unknown watch type")
)

// SealError is one recorded processing failure for a seal.
type SealError struct {
	Time    int64  `json:"time"`
	Message string `json:"message"`
}

// Seal tracks one object link on a blockchain.
//
// A write seal starts unsealed, becomes unconfirmed once its
// transaction is broadcast, and is confirmed when the chain reports
// enough confirmations. A watch-only seal starts unconfirmed.
type Seal struct {
	ID            string
	Blockchain    string
	Network       string
	Link          string
	Permalink     string
	Address       string
	PubKey        string
	WatchType     WatchType
	Write         bool
	Unsealed      bool
	Unconfirmed   bool
	Confirmations int64
	TxID          string
	Errors        []SealError
	TimeCreated   int64
	TimeUpdated   int64
	TimeSealed    int64
	TimeConfirmed int64
}

// Confirmed reports whether the seal has finished its lifecycle.
func (s Seal) Confirmed() bool {
	return !s.Unsealed && !s.Unconfirmed
}

// Transaction is one observed chain transaction for a watched address.
type Transaction struct {
	TxID          string
	Confirmations int64
}

// Blockchain is the chain adapter seals are written to and read from.
type Blockchain interface {
	Name() string
	Network() string
	RequiredConfirmations() int64
	// SealAddress derives the address watching this exact version,
	// bound to the sealer's base public key.
	SealAddress(link, pubKey string) (string, error)
	// NextSealAddress derives the address watching the next version of
	// the object identified by permalink, bound to pubKey.
	NextSealAddress(permalink, pubKey string) (string, error)
	// WriteSeal broadcasts a seal transaction to address.
	WriteSeal(ctx context.Context, address string) (txID string, err error)
	// Transactions reports the latest transaction per watched address.
	// Addresses without activity are absent from the result.
	Transactions(ctx context.Context, addresses []string) (map[string]Transaction, error)
}

// Notifier receives seal lifecycle events. Failures are logged by the
// manager and never block seal processing.
type Notifier interface {
	// OnWrote fires after a write seal's transaction is broadcast.
	OnWrote(ctx context.Context, seal Seal) error
	// OnRead fires whenever a watched seal's confirmation count grows,
	// below the confirmation threshold included.
	OnRead(ctx context.Context, seal Seal) error
}

func toRecord(seal Seal) (storage.SealRecord, error) {
	var errorsJSON []byte
	if len(seal.Errors) > 0 {
		encoded, err := json.Marshal(seal.Errors)
		if err != nil {
			return storage.SealRecord{}, fmt.Errorf("encode seal errors: %w", err)
		}
		errorsJSON = encoded
	}
	return storage.SealRecord{
		ID:            seal.ID,
		Blockchain:    seal.Blockchain,
		Network:       seal.Network,
		Link:          seal.Link,
		Permalink:     seal.Permalink,
		Address:       seal.Address,
		PubKey:        seal.PubKey,
		WatchType:     string(seal.WatchType),
		Write:         seal.Write,
		Unsealed:      seal.Unsealed,
		Unconfirmed:   seal.Unconfirmed,
		Confirmations: seal.Confirmations,
		TxID:          seal.TxID,
		ErrorsJSON:    errorsJSON,
		TimeCreated:   seal.TimeCreated,
		TimeUpdated:   seal.TimeUpdated,
		TimeSealed:    seal.TimeSealed,
		TimeConfirmed: seal.TimeConfirmed,
	}, nil
}

func fromRecord(record storage.SealRecord) (Seal, error) {
	var sealErrors []SealError
	if len(record.ErrorsJSON) > 0 {
		if err := json.Unmarshal(record.ErrorsJSON, &sealErrors); err != nil {
			return Seal{}, fmt.Errorf("decode seal errors: %w", err)
		}
	}
	return Seal{
		ID:            record.ID,
		Blockchain:    record.Blockchain,
		Network:       record.Network,
		Link:          record.Link,
		Permalink:     record.Permalink,
		Address:       record.Address,
		PubKey:        record.PubKey,
		WatchType:     WatchType(record.WatchType),
		Write:         record.Write,
		Unsealed:      record.Unsealed,
		Unconfirmed:   record.Unconfirmed,
		Confirmations: record.Confirmations,
		TxID:          record.TxID,
		Errors:        sealErrors,
		TimeCreated:   record.TimeCreated,
		TimeUpdated:   record.TimeUpdated,
		TimeSealed:    record.TimeSealed,
		TimeConfirmed: record.TimeConfirmed,
	}, nil
}

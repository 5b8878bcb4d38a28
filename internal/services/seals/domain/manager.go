package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/anchormesh/anchormesh/internal/platform/id"
	"github.com/anchormesh/anchormesh/internal/platform/retry"
	"github.com/anchormesh/anchormesh/internal/services/seals/storage"
)

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier wires lifecycle event delivery.
func WithNotifier(notifier Notifier) Option {
	return func(m *Manager) { m.notifier = notifier }
}

// WithLogf overrides the manager's log sink.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(m *Manager) {
		if logf != nil {
			m.logf = logf
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithWorkers bounds concurrent confirmation updates.
func WithWorkers(workers int) Option {
	return func(m *Manager) {
		if workers > 0 {
			m.workers = workers
		}
	}
}

// WithRetryPolicy overrides the batch-write retry schedule.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(m *Manager) { m.retryPolicy = policy }
}

// Manager drives the seal lifecycle: creating seals, writing pending
// ones to the chain, and syncing confirmation counts back.
type Manager struct {
	store       storage.SealStore
	chain       Blockchain
	notifier    Notifier
	logf        func(format string, args ...any)
	clock       func() time.Time
	workers     int
	retryPolicy retry.Policy
}

// NewManager creates a seal manager backed by store and chain.
func NewManager(store storage.SealStore, chain Blockchain, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("seal store is required")
	}
	if chain == nil {
		return nil, fmt.Errorf("blockchain adapter is required")
	}
	m := &Manager{
		store:       store,
		chain:       chain,
		logf:        log.Printf,
		clock:       time.Now,
		workers:     4,
		retryPolicy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateRequest describes one seal to create. PubKey is the base
// public key the seal address is derived against. WatchType defaults
// to this; Permalink defaults to Link. Write requests a chain write in
// addition to watching.
type CreateRequest struct {
	Link      string
	Permalink string
	PubKey    string
	WatchType WatchType
	Write     bool
}

// Create records one seal. A write seal starts unsealed; a watch-only
// seal goes straight to unconfirmed.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Seal, error) {
	seal, err := m.build(req)
	if err != nil {
		return Seal{}, err
	}

	record, err := toRecord(seal)
	if err != nil {
		return Seal{}, err
	}
	if err := m.store.Create(ctx, record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Seal{}, fmt.Errorf("%w: link %s", ErrSealExists, seal.Link)
		}
		return Seal{}, fmt.Errorf("create seal: %w", err)
	}
	return seal, nil
}

// Watch creates a watch-only seal for this exact version.
func (m *Manager) Watch(ctx context.Context, link, pubKey string) (Seal, error) {
	return m.Create(ctx, CreateRequest{Link: link, PubKey: pubKey, WatchType: WatchTypeThis})
}

// WatchNextVersion creates a watch-only seal whose address tracks the
// next version of the object identified by permalink.
func (m *Manager) WatchNextVersion(ctx context.Context, link, permalink, pubKey string) (Seal, error) {
	return m.Create(ctx, CreateRequest{Link: link, Permalink: permalink, PubKey: pubKey, WatchType: WatchTypeNext})
}

// WatchBatch records many seals in one pass, retrying transient store
// failures under the manager's retry policy. When the budget is spent
// the returned error carries the unwritten subset.
func (m *Manager) WatchBatch(ctx context.Context, reqs []CreateRequest) error {
	if len(reqs) == 0 {
		return nil
	}

	records := make([]storage.SealRecord, 0, len(reqs))
	for _, req := range reqs {
		seal, err := m.build(req)
		if err != nil {
			return err
		}
		record, err := toRecord(seal)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	_, err := retry.DoBatch(ctx, m.retryPolicy, records, m.store.CreateBatch)
	if err != nil {
		return fmt.Errorf("watch seal batch: %w", err)
	}
	return nil
}

// Get returns the seal for one link.
func (m *Manager) Get(ctx context.Context, link string) (Seal, error) {
	record, err := m.store.ByLink(ctx, link)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Seal{}, fmt.Errorf("%w: link %s", ErrSealNotFound, link)
		}
		return Seal{}, fmt.Errorf("get seal: %w", err)
	}
	return fromRecord(record)
}

// SealPending writes unsealed seals to the chain, all of them when limit
// is zero. Records are processed by a bounded worker pool; failures are
// recorded in the per-seal error history and never abort the batch.
// The successfully written seals are returned.
func (m *Manager) SealPending(ctx context.Context, limit int) ([]Seal, error) {
	records, err := m.store.Unsealed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsealed: %w", err)
	}

	var (
		mu      sync.Mutex
		written []Seal
	)
	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		sem <- struct{}{}
		go func(record storage.SealRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			seal, ok := m.sealOne(ctx, record)
			if !ok {
				return
			}
			mu.Lock()
			written = append(written, seal)
			mu.Unlock()
		}(record)
	}
	wg.Wait()
	return written, ctx.Err()
}

// sealOne writes one pending seal to the chain. Failures are recorded on
// the seal and never abort the surrounding batch.
func (m *Manager) sealOne(ctx context.Context, record storage.SealRecord) (Seal, bool) {
	seal, err := fromRecord(record)
	if err != nil {
		m.logf("seals: decode %s: %v", record.Link, err)
		return Seal{}, false
	}

	txID, err := m.chain.WriteSeal(ctx, seal.Address)
	if err != nil {
		m.recordFailure(ctx, seal, fmt.Errorf("write seal: %w", err))
		return Seal{}, false
	}
	now := m.clock().UnixMilli()
	if err := m.store.MarkSealed(ctx, seal.Link, txID, now); err != nil {
		m.recordFailure(ctx, seal, fmt.Errorf("mark sealed: %w", err))
		return Seal{}, false
	}

	seal.Unsealed = false
	seal.Unconfirmed = true
	seal.TxID = txID
	seal.TimeSealed = now
	seal.TimeUpdated = now

	if m.notifier != nil {
		if err := m.notifier.OnWrote(ctx, seal); err != nil {
			m.logf("seals: onwrote %s: %v", seal.Link, err)
		}
	}
	return seal, true
}

// SyncUnconfirmed reads chain activity for unconfirmed seals, all of them
// when limit is zero, and applies grown confirmation counts with a bounded
// worker pool. Seals without new activity are
// left untouched so a second sync with no chain progress is a no-op.
func (m *Manager) SyncUnconfirmed(ctx context.Context, limit int) error {
	records, err := m.store.Unconfirmed(ctx, limit)
	if err != nil {
		return fmt.Errorf("list unconfirmed: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	addresses := make([]string, 0, len(records))
	for _, record := range records {
		addresses = append(addresses, record.Address)
	}
	txs, err := m.chain.Transactions(ctx, addresses)
	if err != nil {
		return fmt.Errorf("read chain transactions: %w", err)
	}

	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	for _, record := range records {
		tx, ok := txs[record.Address]
		if !ok {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(record storage.SealRecord, tx Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			m.applyTransaction(ctx, record, tx)
		}(record, tx)
	}
	wg.Wait()
	return nil
}

func (m *Manager) applyTransaction(ctx context.Context, record storage.SealRecord, tx Transaction) {
	if tx.Confirmations <= record.Confirmations {
		return
	}

	confirmed := tx.Confirmations >= m.chain.RequiredConfirmations()
	now := m.clock().UnixMilli()
	updated, err := m.store.UpdateConfirmations(ctx, record.Link, tx.Confirmations, confirmed, now)
	if err != nil {
		seal, decodeErr := fromRecord(record)
		if decodeErr != nil {
			m.logf("seals: decode %s: %v", record.Link, decodeErr)
			return
		}
		m.recordFailure(ctx, seal, fmt.Errorf("update confirmations: %w", err))
		return
	}
	if !updated {
		return
	}

	seal, err := fromRecord(record)
	if err != nil {
		m.logf("seals: decode %s: %v", record.Link, err)
		return
	}
	seal.Confirmations = tx.Confirmations
	seal.TxID = tx.TxID
	seal.TimeUpdated = now
	if confirmed {
		seal.Unconfirmed = false
		seal.TimeConfirmed = now
	}

	if m.notifier != nil {
		if err := m.notifier.OnRead(ctx, seal); err != nil {
			m.logf("seals: onread %s: %v", seal.Link, err)
		}
	}
}

func (m *Manager) build(req CreateRequest) (Seal, error) {
	req.Link = strings.TrimSpace(req.Link)
	if req.Link == "" {
		return Seal{}, fmt.Errorf("seal link is required")
	}
	if req.Permalink == "" {
		req.Permalink = req.Link
	}
	if req.WatchType == "" {
		req.WatchType = WatchTypeThis
	}

	var address string
	var err error
	switch req.WatchType {
	case WatchTypeThis:
		address, err = m.chain.SealAddress(req.Link, req.PubKey)
	case WatchTypeNext:
		address, err = m.chain.NextSealAddress(req.Permalink, req.PubKey)
	default:
		return Seal{}, fmt.Errorf("%w: %q", ErrUnknownWatchType, req.WatchType)
	}
	if err != nil {
		return Seal{}, fmt.Errorf("derive seal address: %w", err)
	}

	sealID, err := id.NewID()
	if err != nil {
		return Seal{}, fmt.Errorf("generate seal id: %w", err)
	}

	now := m.clock().UnixMilli()
	return Seal{
		ID:            sealID,
		Blockchain:    m.chain.Name(),
		Network:       m.chain.Network(),
		Link:          req.Link,
		Permalink:     req.Permalink,
		Address:       address,
		PubKey:        req.PubKey,
		WatchType:     req.WatchType,
		Write:         req.Write,
		Unsealed:      req.Write,
		Unconfirmed:   !req.Write,
		Confirmations: ConfirmationsUnknown,
		TimeCreated:   now,
		TimeUpdated:   now,
	}, nil
}

func (m *Manager) recordFailure(ctx context.Context, seal Seal, cause error) {
	m.logf("seals: %s: %v", seal.Link, cause)

	history := append(seal.Errors, SealError{
		Time:    m.clock().UnixMilli(),
		Message: cause.Error(),
	})
	if len(history) > maxErrorHistory {
		history = history[len(history)-maxErrorHistory:]
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		m.logf("seals: encode errors for %s: %v", seal.Link, err)
		return
	}
	if err := m.store.SetErrors(ctx, seal.Link, encoded, m.clock().UnixMilli()); err != nil {
		m.logf("seals: persist errors for %s: %v", seal.Link, err)
	}
}

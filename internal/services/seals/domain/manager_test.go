package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anchormesh/anchormesh/internal/platform/retry"
	"github.com/anchormesh/anchormesh/internal/services/seals/storage"
)

type memSealStore struct {
	mu         sync.Mutex
	seals      map[string]storage.SealRecord
	failCreate int
}

func newMemSealStore() *memSealStore {
	return &memSealStore{seals: make(map[string]storage.SealRecord)}
}

func (m *memSealStore) Create(_ context.Context, record storage.SealRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != 0 {
		if m.failCreate > 0 {
			m.failCreate--
		}
		return fmt.Errorf("store unavailable")
	}
	if _, ok := m.seals[record.Link]; ok {
		return storage.ErrConflict
	}
	m.seals[record.Link] = record
	return nil
}

func (m *memSealStore) CreateBatch(ctx context.Context, records []storage.SealRecord) ([]storage.SealRecord, error) {
	var unprocessed []storage.SealRecord
	var lastErr error
	for _, record := range records {
		err := m.Create(ctx, record)
		if err == nil || errors.Is(err, storage.ErrConflict) {
			continue
		}
		unprocessed = append(unprocessed, record)
		lastErr = err
	}
	if len(unprocessed) > 0 {
		return unprocessed, lastErr
	}
	return nil, nil
}

func (m *memSealStore) ByLink(_ context.Context, link string) (storage.SealRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.seals[link]
	if !ok {
		return storage.SealRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (m *memSealStore) Unsealed(_ context.Context, limit int) ([]storage.SealRecord, error) {
	return m.flagged(func(r storage.SealRecord) bool { return r.Unsealed }, limit), nil
}

func (m *memSealStore) Unconfirmed(_ context.Context, limit int) ([]storage.SealRecord, error) {
	return m.flagged(func(r storage.SealRecord) bool { return r.Unconfirmed }, limit), nil
}

func (m *memSealStore) flagged(match func(storage.SealRecord) bool, limit int) []storage.SealRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []storage.SealRecord
	for _, record := range m.seals {
		if match(record) {
			records = append(records, record)
		}
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

func (m *memSealStore) MarkSealed(_ context.Context, link, txID string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.seals[link]
	if !ok || !record.Unsealed {
		return storage.ErrNotFound
	}
	record.Unsealed = false
	record.Unconfirmed = true
	record.TxID = txID
	record.TimeSealed = at
	record.TimeUpdated = at
	m.seals[link] = record
	return nil
}

func (m *memSealStore) UpdateConfirmations(_ context.Context, link string, confirmations int64, confirmed bool, at int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.seals[link]
	if !ok || record.Confirmations >= confirmations {
		return false, nil
	}
	record.Confirmations = confirmations
	if confirmed {
		record.Unconfirmed = false
		if record.TimeConfirmed == 0 {
			record.TimeConfirmed = at
		}
	}
	record.TimeUpdated = at
	m.seals[link] = record
	return true, nil
}

func (m *memSealStore) SetErrors(_ context.Context, link string, errorsJSON []byte, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.seals[link]
	if !ok {
		return storage.ErrNotFound
	}
	record.ErrorsJSON = errorsJSON
	record.TimeUpdated = at
	m.seals[link] = record
	return nil
}

// fakeChain is a scriptable Blockchain for manager tests.
type fakeChain struct {
	mu        sync.Mutex
	required  int64
	failWrite map[string]error
	txs       map[string]Transaction
	writes    int
}

func newFakeChain(required int64) *fakeChain {
	return &fakeChain{
		required:  required,
		failWrite: make(map[string]error),
		txs:       make(map[string]Transaction),
	}
}

func (c *fakeChain) Name() string                  { return "fakechain" }
func (c *fakeChain) Network() string               { return "test" }
func (c *fakeChain) RequiredConfirmations() int64  { return c.required }
func (c *fakeChain) SealAddress(link, _ string) (string, error) {
	return "addr-this-" + link, nil
}
func (c *fakeChain) NextSealAddress(permalink, _ string) (string, error) {
	return "addr-next-" + permalink, nil
}

func (c *fakeChain) WriteSeal(_ context.Context, address string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failWrite[address]; ok {
		return "", err
	}
	c.writes++
	return fmt.Sprintf("tx-%d", c.writes), nil
}

func (c *fakeChain) Transactions(_ context.Context, addresses []string) (map[string]Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make(map[string]Transaction)
	for _, address := range addresses {
		if tx, ok := c.txs[address]; ok {
			result[address] = tx
		}
	}
	return result, nil
}

// recordingNotifier captures lifecycle events and optionally fails.
type recordingNotifier struct {
	mu    sync.Mutex
	wrote []string
	read  []string
	err   error
}

func (n *recordingNotifier) OnWrote(_ context.Context, seal Seal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wrote = append(n.wrote, seal.Link)
	return n.err
}

func (n *recordingNotifier) OnRead(_ context.Context, seal Seal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.read = append(n.read, seal.Link)
	return n.err
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval:     time.Millisecond,
		MaxInterval:         2 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxAttempts:         6,
	}
}

func newTestManager(t *testing.T, store storage.SealStore, chain Blockchain, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithRetryPolicy(fastPolicy()),
		WithLogf(t.Logf),
	}, opts...)
	manager, err := NewManager(store, chain, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func TestCreateWriteSealStartsUnsealed(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, newMemSealStore(), newFakeChain(6))

	seal, err := manager.Create(context.Background(), CreateRequest{Link: "link-1", Write: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !seal.Unsealed || seal.Unconfirmed {
		t.Fatalf("write seal must start unsealed, got %+v", seal)
	}
	if seal.Confirmations != ConfirmationsUnknown {
		t.Fatalf("expected unknown confirmations, got %d", seal.Confirmations)
	}
	if seal.Address != "addr-this-link-1" {
		t.Fatalf("unexpected address %q", seal.Address)
	}
	if seal.Permalink != "link-1" {
		t.Fatalf("permalink must default to link, got %q", seal.Permalink)
	}
	if seal.ID == "" {
		t.Fatal("seal must carry an id")
	}
}

func TestWatchSkipsUnsealedState(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, newMemSealStore(), newFakeChain(6))

	seal, err := manager.Watch(context.Background(), "link-1", "key-1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if seal.Unsealed || !seal.Unconfirmed {
		t.Fatalf("watch-only seal must start unconfirmed, got %+v", seal)
	}
	if seal.Write {
		t.Fatal("watch-only seal must not request a write")
	}
}

func TestWatchNextVersionDerivesNextAddress(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, newMemSealStore(), newFakeChain(6))

	seal, err := manager.WatchNextVersion(context.Background(), "link-2", "perma-1", "key-1")
	if err != nil {
		t.Fatalf("WatchNextVersion: %v", err)
	}
	if seal.WatchType != WatchTypeNext {
		t.Fatalf("expected next watch, got %q", seal.WatchType)
	}
	if seal.Address != "addr-next-perma-1" {
		t.Fatalf("unexpected address %q", seal.Address)
	}
}

func TestCreateRejectsDuplicateAndUnknownWatchType(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, newMemSealStore(), newFakeChain(6))
	ctx := context.Background()

	if _, err := manager.Watch(ctx, "link-1", "key-1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if _, err := manager.Watch(ctx, "link-1", "key-1"); !errors.Is(err, ErrSealExists) {
		t.Fatalf("expected ErrSealExists, got %v", err)
	}
	if _, err := manager.Create(ctx, CreateRequest{Link: "link-2", WatchType: "later"}); !errors.Is(err, ErrUnknownWatchType) {
		t.Fatalf("expected ErrUnknownWatchType, got %v", err)
	}
}

func TestWatchBatchReturnsUnprocessedAfterBudget(t *testing.T) {
	t.Parallel()

	store := newMemSealStore()
	store.failCreate = -1 // fail forever
	manager := newTestManager(t, store, newFakeChain(6))

	err := manager.WatchBatch(context.Background(), []CreateRequest{
		{Link: "link-1"},
		{Link: "link-2"},
	})
	if err == nil {
		t.Fatal("expected error after retry budget")
	}
	var batchErr *retry.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if batchErr.Attempts != 6 {
		t.Fatalf("expected 6 attempts, got %d", batchErr.Attempts)
	}
	if batchErr.Unprocessed != 2 {
		t.Fatalf("expected 2 unprocessed, got %d", batchErr.Unprocessed)
	}
}

func TestWatchBatchRecoversFromTransientFailures(t *testing.T) {
	t.Parallel()

	store := newMemSealStore()
	store.failCreate = 2
	manager := newTestManager(t, store, newFakeChain(6))
	ctx := context.Background()

	if err := manager.WatchBatch(ctx, []CreateRequest{{Link: "link-1"}, {Link: "link-2"}}); err != nil {
		t.Fatalf("WatchBatch: %v", err)
	}
	for _, link := range []string{"link-1", "link-2"} {
		if _, err := manager.Get(ctx, link); err != nil {
			t.Fatalf("Get %s: %v", link, err)
		}
	}
}

func TestSealPendingIsolatesFailures(t *testing.T) {
	t.Parallel()

	store := newMemSealStore()
	chain := newFakeChain(6)
	chain.failWrite["addr-this-link-bad"] = fmt.Errorf("broadcast refused")
	notifier := &recordingNotifier{}
	manager := newTestManager(t, store, chain, WithNotifier(notifier))
	ctx := context.Background()

	for _, link := range []string{"link-good", "link-bad"} {
		if _, err := manager.Create(ctx, CreateRequest{Link: link, Write: true}); err != nil {
			t.Fatalf("Create %s: %v", link, err)
		}
	}

	written, err := manager.SealPending(ctx, 0)
	if err != nil {
		t.Fatalf("SealPending: %v", err)
	}
	if len(written) != 1 || written[0].Link != "link-good" {
		t.Fatalf("expected only link-good written, got %+v", written)
	}

	good, err := manager.Get(ctx, "link-good")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if good.Unsealed || !good.Unconfirmed || good.TxID == "" {
		t.Fatalf("expected sealed state, got %+v", good)
	}

	bad, err := manager.Get(ctx, "link-bad")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bad.Unsealed {
		t.Fatal("failed seal must stay unsealed")
	}
	if len(bad.Errors) != 1 {
		t.Fatalf("expected one recorded failure, got %+v", bad.Errors)
	}

	if len(notifier.wrote) != 1 || notifier.wrote[0] != "link-good" {
		t.Fatalf("expected one wrote notification, got %v", notifier.wrote)
	}
}

func TestSealPendingSwallowsNotifierErrors(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{err: fmt.Errorf("push gateway down")}
	manager := newTestManager(t, newMemSealStore(), newFakeChain(6), WithNotifier(notifier))
	ctx := context.Background()

	if _, err := manager.Create(ctx, CreateRequest{Link: "link-1", Write: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	written, err := manager.SealPending(ctx, 0)
	if err != nil {
		t.Fatalf("SealPending: %v", err)
	}
	if len(written) != 1 {
		t.Fatalf("notifier failure must not block sealing, got %+v", written)
	}
}

func TestErrorHistoryIsBounded(t *testing.T) {
	t.Parallel()

	store := newMemSealStore()
	chain := newFakeChain(6)
	chain.failWrite["addr-this-link-1"] = fmt.Errorf("broadcast refused")
	manager := newTestManager(t, store, chain)
	ctx := context.Background()

	if _, err := manager.Create(ctx, CreateRequest{Link: "link-1", Write: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < maxErrorHistory+3; i++ {
		if _, err := manager.SealPending(ctx, 0); err != nil {
			t.Fatalf("SealPending %d: %v", i, err)
		}
	}

	record, err := store.ByLink(ctx, "link-1")
	if err != nil {
		t.Fatalf("ByLink: %v", err)
	}
	var history []SealError
	if err := json.Unmarshal(record.ErrorsJSON, &history); err != nil {
		t.Fatalf("decode errors: %v", err)
	}
	if len(history) != maxErrorHistory {
		t.Fatalf("expected history capped at %d, got %d", maxErrorHistory, len(history))
	}
}

func TestSyncUnconfirmedAppliesGrowingCounts(t *testing.T) {
	t.Parallel()

	store := newMemSealStore()
	chain := newFakeChain(6)
	notifier := &recordingNotifier{}
	manager := newTestManager(t, store, chain, WithNotifier(notifier))
	ctx := context.Background()

	if _, err := manager.Watch(ctx, "link-1", "key-1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	chain.txs["addr-this-link-1"] = Transaction{TxID: "tx-1", Confirmations: 3}
	if err := manager.SyncUnconfirmed(ctx, 0); err != nil {
		t.Fatalf("SyncUnconfirmed: %v", err)
	}

	seal, err := manager.Get(ctx, "link-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if seal.Confirmations != 3 || !seal.Unconfirmed {
		t.Fatalf("expected 3 confirmations still unconfirmed, got %+v", seal)
	}
	// The count grew, so the read notification fires even though the
	// seal is still below the required confirmations.
	if len(notifier.read) != 1 || notifier.read[0] != "link-1" {
		t.Fatalf("expected a read notification for the grown count, got %v", notifier.read)
	}

	chain.txs["addr-this-link-1"] = Transaction{TxID: "tx-1", Confirmations: 6}
	if err := manager.SyncUnconfirmed(ctx, 0); err != nil {
		t.Fatalf("SyncUnconfirmed: %v", err)
	}

	seal, err = manager.Get(ctx, "link-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if seal.Unconfirmed || seal.Confirmations != 6 || seal.TxID != "tx-1" {
		t.Fatalf("expected confirmed seal, got %+v", seal)
	}
	if !seal.Confirmed() {
		t.Fatal("Confirmed must report true")
	}
	if len(notifier.read) != 2 {
		t.Fatalf("expected a second read notification at confirmation, got %v", notifier.read)
	}
}

func TestSyncUnconfirmedIsIdempotentWithoutChainProgress(t *testing.T) {
	t.Parallel()

	store := newMemSealStore()
	chain := newFakeChain(3)
	notifier := &recordingNotifier{}
	manager := newTestManager(t, store, chain, WithNotifier(notifier))
	ctx := context.Background()

	if _, err := manager.Watch(ctx, "link-1", "key-1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	chain.txs["addr-this-link-1"] = Transaction{TxID: "tx-1", Confirmations: 2}

	for i := 0; i < 3; i++ {
		if err := manager.SyncUnconfirmed(ctx, 0); err != nil {
			t.Fatalf("SyncUnconfirmed %d: %v", i, err)
		}
	}
	// The first sync sees the count grow from unknown to 2 and
	// notifies once; the repeats see no progress and stay silent.
	if len(notifier.read) != 1 || notifier.read[0] != "link-1" {
		t.Fatalf("sync without progress must not notify again, got %v", notifier.read)
	}

	seal, err := manager.Get(ctx, "link-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if seal.Confirmations != 2 {
		t.Fatalf("expected confirmations 2, got %d", seal.Confirmations)
	}
}

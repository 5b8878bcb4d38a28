// Package devchain provides an in-process blockchain adapter for local
// development and tests. Blocks advance only when Mine is called, so
// confirmation counts are fully deterministic.
package devchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/anchormesh/anchormesh/internal/services/seals/domain"
)

const chainName = "devchain"

// Option configures a Chain.
type Option func(*Chain)

// WithNetwork overrides the network label.
func WithNetwork(network string) Option {
	return func(c *Chain) {
		if network != "" {
			c.network = network
		}
	}
}

// WithRequiredConfirmations overrides the confirmation threshold.
func WithRequiredConfirmations(required int64) Option {
	return func(c *Chain) {
		if required > 0 {
			c.required = required
		}
	}
}

// Chain is a single-writer in-memory chain. One transaction is tracked
// per address, matching how seal addresses are used: each address
// exists to receive exactly one seal transaction.
type Chain struct {
	network  string
	required int64

	mu     sync.Mutex
	height int64
	txs    map[string]minedTx
	seq    int64
}

type minedTx struct {
	id     string
	height int64
}

// New creates an empty chain at height zero.
func New(opts ...Option) *Chain {
	c := &Chain{
		network:  "local",
		required: 1,
		txs:      make(map[string]minedTx),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements domain.Blockchain.
func (c *Chain) Name() string { return chainName }

// Network implements domain.Blockchain.
func (c *Chain) Network() string { return c.network }

// RequiredConfirmations implements domain.Blockchain.
func (c *Chain) RequiredConfirmations() int64 { return c.required }

// SealAddress derives the deterministic address watching this exact
// version of the linked object, bound to the sealer's base public key.
func (c *Chain) SealAddress(link, pubKey string) (string, error) {
	return deriveAddress("this", link, pubKey)
}

// NextSealAddress derives the deterministic address watching the next
// version of the object identified by permalink.
func (c *Chain) NextSealAddress(permalink, pubKey string) (string, error) {
	return deriveAddress("next", permalink, pubKey)
}

// WriteSeal records a transaction to address in the next block. The
// transaction stays at zero confirmations until Mine advances past it.
func (c *Chain) WriteSeal(_ context.Context, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("address is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.txs[address]; ok {
		return existing.id, nil
	}
	c.seq++
	digest := sha3.Sum256([]byte(fmt.Sprintf("tx:%s:%d", address, c.seq)))
	tx := minedTx{
		id:     hex.EncodeToString(digest[:]),
		height: c.height + 1,
	}
	c.txs[address] = tx
	return tx.id, nil
}

// Transactions implements domain.Blockchain. Addresses without a
// transaction are absent from the result.
func (c *Chain) Transactions(_ context.Context, addresses []string) (map[string]domain.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]domain.Transaction)
	for _, address := range addresses {
		tx, ok := c.txs[strings.TrimSpace(address)]
		if !ok {
			continue
		}
		confirmations := c.height - tx.height + 1
		if confirmations < 0 {
			confirmations = 0
		}
		result[address] = domain.Transaction{
			TxID:          tx.id,
			Confirmations: confirmations,
		}
	}
	return result, nil
}

// Mine advances the chain by blocks, growing the confirmation count of
// every mined transaction.
func (c *Chain) Mine(blocks int64) {
	if blocks <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += blocks
}

func deriveAddress(kind, value, pubKey string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("seal target is required")
	}
	digest := sha3.Sum256([]byte("seal:" + kind + ":" + pubKey + ":" + value))
	return hex.EncodeToString(digest[:20]), nil
}

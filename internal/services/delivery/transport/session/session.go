// Package session implements the live-session transport. Peers with an
// open connection register in process and receive their backlog
// directly, without going through the recipient's public endpoint.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anchormesh/anchormesh/internal/services/delivery/domain"
	exchange "github.com/anchormesh/anchormesh/internal/services/exchange/domain"
)

// Peer receives transport events for one connected recipient.
type Peer interface {
	Receive(ctx context.Context, messages []exchange.Message) error
	Ack(ctx context.Context, link string) error
	Reject(ctx context.Context, link string, reason error) error
}

type connection struct {
	clientID string
	peer     Peer
}

// Registry tracks connected peers keyed by recipient permalink. One
// connection per recipient; a reconnect replaces the previous one.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]connection
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]connection)}
}

// Connect registers a peer for the recipient and returns the client id
// identifying this connection.
func (r *Registry) Connect(recipient, clientID string, peer Peer) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if strings.TrimSpace(clientID) == "" {
		return fmt.Errorf("client id is required")
	}
	if peer == nil {
		return fmt.Errorf("peer is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[recipient] = connection{clientID: clientID, peer: peer}
	return nil
}

// Disconnect removes the recipient's connection if it still belongs to
// clientID. A stale disconnect after a reconnect is a no-op.
func (r *Registry) Disconnect(recipient, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.connections[recipient]; ok && existing.clientID == clientID {
		delete(r.connections, recipient)
	}
}

// Recipients returns every recipient with a live connection.
func (r *Registry) Recipients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recipients := make([]string, 0, len(r.connections))
	for recipient := range r.connections {
		recipients = append(recipients, recipient)
	}
	return recipients
}

// ClientID returns the live connection id for recipient, if any.
func (r *Registry) ClientID(recipient string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[strings.TrimSpace(recipient)]
	return conn.clientID, ok
}

// Name implements domain.Transport.
func (r *Registry) Name() string { return "session" }

// Capabilities implements domain.Transport.
func (r *Registry) Capabilities() domain.Capabilities {
	return domain.Capabilities{DeliverBatch: true, Ack: true, Reject: true}
}

// DeliverBatch implements domain.Transport.
func (r *Registry) DeliverBatch(ctx context.Context, req domain.Request, messages []exchange.Message) error {
	peer, err := r.peer(req.Recipient)
	if err != nil {
		return err
	}
	return peer.Receive(ctx, messages)
}

// Ack implements domain.Transport.
func (r *Registry) Ack(ctx context.Context, req domain.Request, link string) error {
	peer, err := r.peer(req.Recipient)
	if err != nil {
		return err
	}
	return peer.Ack(ctx, link)
}

// Reject implements domain.Transport.
func (r *Registry) Reject(ctx context.Context, req domain.Request, link string, reason error) error {
	peer, err := r.peer(req.Recipient)
	if err != nil {
		return err
	}
	return peer.Reject(ctx, link, reason)
}

func (r *Registry) peer(recipient string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[strings.TrimSpace(recipient)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoSession, recipient)
	}
	return conn.peer, nil
}

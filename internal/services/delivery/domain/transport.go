package domain

import (
	"context"
	"errors"

	exchange "github.com/anchormesh/anchormesh/internal/services/exchange/domain"
)

// Op is one transport operation.
type Op string

const (
	OpDeliverBatch Op = "deliver-batch"
	OpAck          Op = "ack"
	OpReject       Op = "reject"
)

var (
	// ErrNoTransport indicates no configured transport supports the
	// requested operation for the recipient.
	ErrNoTransport = errors.New("no transport supports operation")
	// ErrNoSession indicates the recipient has no live session.
	ErrNoSession = errors.New("no live session for recipient")
	// ErrNoProfile indicates the recipient's delivery profile could
	// not be resolved.
	ErrNoProfile = errors.New("no delivery profile for recipient")
)

// Capabilities declares which operations a transport supports. Routing
// decisions read these flags instead of inspecting transport types.
type Capabilities struct {
	DeliverBatch bool
	Ack          bool
	Reject       bool
}

// Supports reports whether op is covered by the capability set.
func (c Capabilities) Supports(op Op) bool {
	switch op {
	case OpDeliverBatch:
		return c.DeliverBatch
	case OpAck:
		return c.Ack
	case OpReject:
		return c.Reject
	}
	return false
}

// Transport moves message batches to a recipient. The routing request
// carries the recipient together with any profile override so a
// transport can address the delivery without a second lookup.
type Transport interface {
	Name() string
	Capabilities() Capabilities
	DeliverBatch(ctx context.Context, req Request, messages []exchange.Message) error
	Ack(ctx context.Context, req Request, link string) error
	Reject(ctx context.Context, req Request, link string, reason error) error
}

// Profile is a recipient's out-of-session delivery profile.
type Profile struct {
	Permalink string
	Endpoint  string
}

// ProfileResolver looks up delivery profiles by identity permalink.
type ProfileResolver interface {
	ProfileByPermalink(ctx context.Context, permalink string) (Profile, error)
}

// MediaResolver rewrites embedded media references into directly
// fetchable ones before a message leaves the node.
type MediaResolver interface {
	PresignEmbeddedMedia(ctx context.Context, message exchange.Message) (exchange.Message, error)
}

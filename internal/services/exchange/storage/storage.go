package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates a requested message record is missing.
	ErrNotFound = errors.New("message record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("message record conflict")
)

// MessageRecord is the flat stored form of one signed message envelope.
//
// Envelope metadata and payload metadata live in separately namespaced
// column sets (m_* and p_* in the schema) so a single row represents a
// message about a payload without key collisions. The domain layer owns
// the lossless mapping between this record and its envelope/payload pair.
type MessageRecord struct {
	// Envelope metadata (m_* columns).
	Author    string
	Recipient string
	Link      string
	Permalink string
	SigPubKey string
	Time      int64
	Seq       int64
	Inbound   bool

	// Payload metadata (p_* columns).
	PayloadLink      string
	PayloadPermalink string
	PayloadAuthor    string
	PayloadSigPubKey string
	PayloadType      string

	// Raw envelope body bytes.
	Body []byte
}

// Cursor marks delivery progress through one recipient's backlog.
type Cursor struct {
	Recipient string
	Time      int64
}

// MessageStore persists inbound and outbound message envelopes.
//
// Inbound rows are keyed (author, link); outbound rows are keyed
// (recipient, seq). Both key collisions surface as ErrConflict.
type MessageStore interface {
	PutInbound(ctx context.Context, record MessageRecord) error
	PutOutbound(ctx context.Context, record MessageRecord) error
	ListTo(ctx context.Context, recipient string, gt int64, limit int) ([]MessageRecord, error)
	ListFrom(ctx context.Context, author string, gt int64, limit int) ([]MessageRecord, error)
	LastTo(ctx context.Context, recipient string) (MessageRecord, error)
	LastFrom(ctx context.Context, author string) (MessageRecord, error)
	LastSeq(ctx context.Context, recipient string) (int64, error)
	InboundByLink(ctx context.Context, link string) (MessageRecord, error)
}

// CursorStore persists per-recipient delivery cursors for resumable backlog
// streaming. Cursors belong to the delivery caller, not to the message log.
type CursorStore interface {
	PutCursor(ctx context.Context, cursor Cursor) error
	GetCursor(ctx context.Context, recipient string) (Cursor, error)
}

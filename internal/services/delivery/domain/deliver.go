package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	exchange "github.com/anchormesh/anchormesh/internal/services/exchange/domain"
	exchangestorage "github.com/anchormesh/anchormesh/internal/services/exchange/storage"
)

// MaxBatch caps how many messages leave in one transport call so a
// single recipient cannot monopolize the delivery loop.
const MaxBatch = 5

// MessageSource reads a recipient's outbound backlog.
type MessageSource interface {
	MessagesTo(ctx context.Context, recipient string, query exchange.Query) ([]exchange.Message, error)
}

// DeliverRequest describes one backlog drain. GT is the exclusive
// lower time bound and stays fixed for the whole drain; LT optionally
// bounds the drain from above.
type DeliverRequest struct {
	Recipient string
	ClientID  string
	Profile   string
	GT        int64
	LT        int64
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithCursorStore persists delivery progress after each batch.
func WithCursorStore(cursors exchangestorage.CursorStore) DelivererOption {
	return func(d *Deliverer) { d.cursors = cursors }
}

// WithMediaResolver rewrites embedded media before messages leave.
func WithMediaResolver(media MediaResolver) DelivererOption {
	return func(d *Deliverer) { d.media = media }
}

// WithLogf overrides the deliverer's log sink.
func WithLogf(logf func(format string, args ...any)) DelivererOption {
	return func(d *Deliverer) {
		if logf != nil {
			d.logf = logf
		}
	}
}

// Deliverer drains outbound backlogs to recipients in bounded batches.
type Deliverer struct {
	source  MessageSource
	router  *Router
	cursors exchangestorage.CursorStore
	media   MediaResolver
	logf    func(format string, args ...any)
}

// NewDeliverer creates a deliverer reading from source and routing
// through router.
func NewDeliverer(source MessageSource, router *Router, opts ...DelivererOption) (*Deliverer, error) {
	if source == nil {
		return nil, fmt.Errorf("message source is required")
	}
	if router == nil {
		return nil, fmt.Errorf("transport router is required")
	}
	d := &Deliverer{
		source: source,
		router: router,
		logf:   log.Printf,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// DeliverMessages drains the recipient's backlog after req.GT in
// batches of at most MaxBatch, advancing and persisting a cursor after
// each delivered batch. The returned cursor marks the last delivered
// message time and is valid for resuming even when an error cut the
// drain short.
func (d *Deliverer) DeliverMessages(ctx context.Context, req DeliverRequest) (exchangestorage.Cursor, error) {
	req.Recipient = strings.TrimSpace(req.Recipient)
	cursor := exchangestorage.Cursor{Recipient: req.Recipient, Time: req.GT}
	if req.Recipient == "" {
		return cursor, fmt.Errorf("recipient is required")
	}

	route := Request{
		Recipient: req.Recipient,
		ClientID:  req.ClientID,
		Profile:   req.Profile,
		Op:        OpDeliverBatch,
	}
	transport, err := d.router.Select(route)
	if err != nil {
		return cursor, err
	}

	// The batch size is fixed from the original bounds, not recomputed
	// per batch: a bounded drain never grows batches as it advances.
	batchSize := MaxBatch
	if req.LT > 0 {
		span := req.LT - req.GT - 1
		if span <= 0 {
			return cursor, nil
		}
		if span < int64(batchSize) {
			batchSize = int(span)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		messages, err := d.source.MessagesTo(ctx, req.Recipient, exchange.Query{
			GT:    cursor.Time,
			Limit: batchSize,
			Body:  true,
		})
		if err != nil {
			return cursor, fmt.Errorf("read backlog for %s: %w", req.Recipient, err)
		}
		truncated := false
		if req.LT > 0 {
			for i, message := range messages {
				if message.Time >= req.LT {
					messages = messages[:i]
					truncated = true
					break
				}
			}
		}
		if len(messages) == 0 {
			return cursor, nil
		}

		if d.media != nil {
			for i, message := range messages {
				resolved, err := d.media.PresignEmbeddedMedia(ctx, message)
				if err != nil {
					return cursor, fmt.Errorf("presign media for %s: %w", message.Link, err)
				}
				messages[i] = resolved
			}
		}

		if err := transport.DeliverBatch(ctx, route, messages); err != nil {
			return cursor, fmt.Errorf("deliver batch to %s via %s: %w", req.Recipient, transport.Name(), err)
		}

		cursor.Time = messages[len(messages)-1].Time
		if d.cursors != nil {
			if err := d.cursors.PutCursor(ctx, cursor); err != nil {
				return cursor, fmt.Errorf("persist delivery cursor for %s: %w", req.Recipient, err)
			}
		}
		d.logf("delivery: %s: %d messages via %s, cursor %d", req.Recipient, len(messages), transport.Name(), cursor.Time)

		if truncated || len(messages) < batchSize {
			return cursor, nil
		}
	}
}

// Resume drains the recipient's backlog from its persisted cursor, or
// from the beginning when none exists.
func (d *Deliverer) Resume(ctx context.Context, req DeliverRequest) (exchangestorage.Cursor, error) {
	if d.cursors != nil {
		cursor, err := d.cursors.GetCursor(ctx, strings.TrimSpace(req.Recipient))
		if err != nil && !errors.Is(err, exchangestorage.ErrNotFound) {
			return exchangestorage.Cursor{Recipient: req.Recipient, Time: req.GT}, fmt.Errorf("load delivery cursor: %w", err)
		}
		if err == nil && cursor.Time > req.GT {
			req.GT = cursor.Time
		}
	}
	return d.DeliverMessages(ctx, req)
}

// Ack acknowledges receipt of one delivered message.
func (d *Deliverer) Ack(ctx context.Context, req DeliverRequest, link string) error {
	route := Request{
		Recipient: req.Recipient,
		ClientID:  req.ClientID,
		Profile:   req.Profile,
		Op:        OpAck,
	}
	transport, err := d.router.Select(route)
	if err != nil {
		return err
	}
	return transport.Ack(ctx, route, link)
}

// Reject reports a message the recipient refused.
func (d *Deliverer) Reject(ctx context.Context, req DeliverRequest, link string, reason error) error {
	route := Request{
		Recipient: req.Recipient,
		ClientID:  req.ClientID,
		Profile:   req.Profile,
		Op:        OpReject,
	}
	transport, err := d.router.Select(route)
	if err != nil {
		return err
	}
	return transport.Reject(ctx, route, link, reason)
}

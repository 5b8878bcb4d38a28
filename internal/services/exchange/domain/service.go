package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anchormesh/anchormesh/internal/platform/retry"
	"github.com/anchormesh/anchormesh/internal/services/exchange/storage"
)

// Query bounds a message listing. GT is an exclusive lower time bound,
// Limit caps the result count when positive, and Body controls whether
// raw envelope bytes are included on the results.
type Query struct {
	GT    int64
	Limit int
	Body  bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for outbound message times.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRetryPolicy overrides the seq-collision retry schedule.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(s *Service) {
		s.retryPolicy = policy
	}
}

// Service owns the inbound and outbound message logs for one identity.
type Service struct {
	store       storage.MessageStore
	clock       func() time.Time
	retryPolicy retry.Policy
}

// NewService creates a message service backed by store.
func NewService(store storage.MessageStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("message store is required")
	}
	s := &Service{
		store:       store,
		clock:       time.Now,
		retryPolicy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PutInbound records one inbound message. The author's asserted time
// must be strictly greater than that author's last recorded inbound
// time, and the envelope link must be new for the author. Violations
// surface as ErrTimeTravel and ErrDuplicate respectively.
func (s *Service) PutInbound(ctx context.Context, message Message) error {
	message.Inbound = true
	if err := message.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessageFormat, err)
	}
	if err := s.AssertTimestampIncreased(ctx, message.Author, message.Link, message.Time); err != nil {
		return err
	}

	// The timestamp check and the insert are not atomic. Two racing
	// inserts for one author can both pass the check; the (author, link)
	// key still rejects replays, which is the hard guarantee.
	if err := s.store.PutInbound(ctx, ToRecord(message)); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: author %s link %s", ErrDuplicate, message.Author, message.Link)
		}
		return fmt.Errorf("put inbound message: %w", err)
	}
	return nil
}

// PutOutbound assigns the next dense seq for the recipient and records
// the message. A seq claimed by a concurrent writer is re-read and the
// write retried under the service retry policy.
func (s *Service) PutOutbound(ctx context.Context, message Message) (Message, error) {
	message.Inbound = false
	if message.Time <= 0 {
		message.Time = s.clock().UnixMilli()
	}
	if err := message.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessageFormat, err)
	}

	stored, err := retry.Do(ctx, s.retryPolicy, func(err error) bool {
		return errors.Is(err, storage.ErrConflict)
	}, func() (Message, error) {
		seq, err := s.NextSeq(ctx, message.Recipient)
		if err != nil {
			return Message{}, err
		}
		attempt := message
		attempt.Seq = seq
		if err := s.store.PutOutbound(ctx, ToRecord(attempt)); err != nil {
			return Message{}, err
		}
		return attempt, nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("put outbound message: %w", err)
	}
	return stored, nil
}

// AssertTimestampIncreased fails with ErrDuplicate when link matches the
// author's last recorded inbound message, and with ErrTimeTravel unless
// time is strictly greater than that message's time.
func (s *Service) AssertTimestampIncreased(ctx context.Context, author, link string, time int64) error {
	last, err := s.store.LastFrom(ctx, author)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load last message from %s: %w", author, err)
	}
	if link == last.Link {
		return fmt.Errorf("%w: author %s link %s", ErrDuplicate, author, link)
	}
	if time <= last.Time {
		return fmt.Errorf("%w: author %s sent time %d, last recorded %d", ErrTimeTravel, author, time, last.Time)
	}
	return nil
}

// MessagesTo lists outbound messages for recipient in ascending time order.
func (s *Service) MessagesTo(ctx context.Context, recipient string, query Query) ([]Message, error) {
	records, err := s.store.ListTo(ctx, recipient, query.GT, query.Limit)
	if err != nil {
		return nil, fmt.Errorf("list messages to %s: %w", recipient, err)
	}
	return s.fromQuery(records, query)
}

// MessagesFrom lists inbound messages from author in ascending time order.
func (s *Service) MessagesFrom(ctx context.Context, author string, query Query) ([]Message, error) {
	records, err := s.store.ListFrom(ctx, author, query.GT, query.Limit)
	if err != nil {
		return nil, fmt.Errorf("list messages from %s: %w", author, err)
	}
	return s.fromQuery(records, query)
}

// LastMessageTo returns the most recent outbound message for recipient.
func (s *Service) LastMessageTo(ctx context.Context, recipient string) (Message, error) {
	record, err := s.store.LastTo(ctx, recipient)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Message{}, fmt.Errorf("%w: no messages to %s", ErrNotFound, recipient)
		}
		return Message{}, fmt.Errorf("last message to %s: %w", recipient, err)
	}
	return FromRecord(record)
}

// LastMessageFrom returns the most recent inbound message from author.
func (s *Service) LastMessageFrom(ctx context.Context, author string) (Message, error) {
	record, err := s.store.LastFrom(ctx, author)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Message{}, fmt.Errorf("%w: no messages from %s", ErrNotFound, author)
		}
		return Message{}, fmt.Errorf("last message from %s: %w", author, err)
	}
	return FromRecord(record)
}

// NextSeq returns the next unclaimed outbound seq for recipient,
// starting at zero for an empty outbox.
func (s *Service) NextSeq(ctx context.Context, recipient string) (int64, error) {
	seq, err := s.store.LastSeq(ctx, recipient)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("last seq for %s: %w", recipient, err)
	}
	return seq + 1, nil
}

// InboundByLink returns the inbound message addressed by link.
func (s *Service) InboundByLink(ctx context.Context, link string) (Message, error) {
	record, err := s.store.InboundByLink(ctx, link)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Message{}, fmt.Errorf("%w: link %s", ErrNotFound, link)
		}
		return Message{}, fmt.Errorf("inbound message by link: %w", err)
	}
	return FromRecord(record)
}

func (s *Service) fromQuery(records []storage.MessageRecord, query Query) ([]Message, error) {
	messages, err := fromRecords(records)
	if err != nil {
		return nil, err
	}
	if !query.Body {
		for i := range messages {
			messages[i].Body = nil
		}
	}
	return messages, nil
}

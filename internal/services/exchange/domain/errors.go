package domain

import "errors"

var (
	// ErrNotFound indicates no message matched the lookup.
	ErrNotFound = errors.New("message not found")
	// ErrDuplicate indicates an inbound envelope link was already
	// recorded for the same author.
	ErrDuplicate = errors.New("duplicate message")
	// ErrTimeTravel indicates an inbound message whose author time is
	// not strictly greater than the author's last recorded time.
	ErrTimeTravel = errors.New("message time must increase per author")
	// ErrInvalidMessageFormat indicates raw inbound bytes that do not
	// decode into a well-formed message envelope.
	ErrInvalidMessageFormat = errors.New("invalid message format")
)

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TypeMessage is the payload-wrapping envelope type. Every row in the
// message log is an envelope of this type carrying exactly one payload.
const TypeMessage = "anchormesh.Message"

// PubKey identifies a signing key as a curve name plus hex-encoded key
// material. The zero value means the key is unknown.
type PubKey struct {
	Curve string
	Hex   string
}

// ParsePubKey parses the "curve:hex" form produced by String.
func ParsePubKey(value string) (PubKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return PubKey{}, nil
	}
	curve, hexPart, ok := strings.Cut(value, ":")
	if !ok || curve == "" || hexPart == "" {
		return PubKey{}, fmt.Errorf("invalid public key %q: want curve:hex", value)
	}
	return PubKey{Curve: curve, Hex: hexPart}, nil
}

// String renders the key as "curve:hex", or "" for the zero value.
func (k PubKey) String() string {
	if k.IsZero() {
		return ""
	}
	return k.Curve + ":" + k.Hex
}

// IsZero reports whether the key carries no material.
func (k PubKey) IsZero() bool {
	return k.Curve == "" && k.Hex == ""
}

// Payload is the signed object carried inside a message envelope. Only
// its derived metadata is stored alongside the envelope; the payload
// bytes travel inside the envelope body.
type Payload struct {
	Link      string
	Permalink string
	Author    string
	SigPubKey PubKey
	Type      string
}

// Message is one signed envelope in the log.
//
// Author and Recipient are identity permalinks. Link addresses this
// exact envelope version; Permalink is stable across versions and
// equals Link for a first version. Time is author-asserted wall time
// in milliseconds. Seq is the dense outbound counter per recipient and
// is meaningless on inbound messages.
type Message struct {
	Author    string
	Recipient string
	Link      string
	Permalink string
	SigPubKey PubKey
	Time      int64
	Seq       int64
	Inbound   bool
	Payload   Payload
	Body      json.RawMessage
}

// Validate checks the fields every stored message must carry.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Author) == "" {
		return fmt.Errorf("message author is required")
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("message recipient is required")
	}
	if strings.TrimSpace(m.Link) == "" {
		return fmt.Errorf("message link is required")
	}
	if m.Time <= 0 {
		return fmt.Errorf("message time is required")
	}
	if strings.TrimSpace(m.Payload.Link) == "" {
		return fmt.Errorf("message payload link is required")
	}
	if strings.TrimSpace(m.Payload.Type) == "" {
		return fmt.Errorf("message payload type is required")
	}
	return nil
}

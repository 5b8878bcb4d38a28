package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anchormesh/anchormesh/internal/platform/link"
)

// wireEnvelope is the transport JSON form of a message envelope. Field
// names with a leading underscore are envelope metadata; everything
// else belongs to the author.
type wireEnvelope struct {
	Type      string          `json:"_t"`
	Sig       string          `json:"_s"`
	SigPubKey string          `json:"_sigPubKey"`
	Author    string          `json:"_author"`
	Recipient string          `json:"_recipient"`
	Permalink string          `json:"_p,omitempty"`
	Time      int64           `json:"time"`
	Object    json.RawMessage `json:"object"`
}

type wirePayload struct {
	Type      string `json:"_t"`
	Sig       string `json:"_s"`
	SigPubKey string `json:"_sigPubKey"`
	Author    string `json:"_author"`
	Permalink string `json:"_p,omitempty"`
}

// NormalizeInbound validates raw inbound envelope bytes and derives the
// content-addressed links the store keys on. The envelope link hashes
// the full raw bytes; the payload link hashes the embedded object.
// Permalinks default to the derived links for first versions.
func NormalizeInbound(raw []byte) (Message, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessageFormat, err)
	}
	if envelope.Type != TypeMessage {
		return Message{}, fmt.Errorf("%w: envelope type %q, want %q", ErrInvalidMessageFormat, envelope.Type, TypeMessage)
	}
	if strings.TrimSpace(envelope.Sig) == "" {
		return Message{}, fmt.Errorf("%w: envelope is unsigned", ErrInvalidMessageFormat)
	}
	if strings.TrimSpace(envelope.Author) == "" || strings.TrimSpace(envelope.Recipient) == "" {
		return Message{}, fmt.Errorf("%w: envelope author and recipient are required", ErrInvalidMessageFormat)
	}
	if envelope.Time <= 0 {
		return Message{}, fmt.Errorf("%w: envelope time is required", ErrInvalidMessageFormat)
	}
	if len(envelope.Object) == 0 {
		return Message{}, fmt.Errorf("%w: envelope carries no payload", ErrInvalidMessageFormat)
	}

	var payload wirePayload
	if err := json.Unmarshal(envelope.Object, &payload); err != nil {
		return Message{}, fmt.Errorf("%w: payload: %v", ErrInvalidMessageFormat, err)
	}
	if strings.TrimSpace(payload.Type) == "" {
		return Message{}, fmt.Errorf("%w: payload type is required", ErrInvalidMessageFormat)
	}
	if payload.Type == TypeMessage {
		return Message{}, fmt.Errorf("%w: envelopes must not nest", ErrInvalidMessageFormat)
	}
	if strings.TrimSpace(payload.Sig) == "" {
		return Message{}, fmt.Errorf("%w: payload is unsigned", ErrInvalidMessageFormat)
	}

	sigPubKey, err := ParsePubKey(envelope.SigPubKey)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessageFormat, err)
	}
	payloadSigPubKey, err := ParsePubKey(payload.SigPubKey)
	if err != nil {
		return Message{}, fmt.Errorf("%w: payload: %v", ErrInvalidMessageFormat, err)
	}

	messageLink, err := link.FromBytes(raw)
	if err != nil {
		return Message{}, fmt.Errorf("derive message link: %w", err)
	}
	messagePermalink := envelope.Permalink
	if messagePermalink == "" {
		messagePermalink = messageLink
	}
	payloadLink, err := link.FromBytes(envelope.Object)
	if err != nil {
		return Message{}, fmt.Errorf("derive payload link: %w", err)
	}
	payloadPermalink := payload.Permalink
	if payloadPermalink == "" {
		payloadPermalink = payloadLink
	}
	payloadAuthor := payload.Author
	if payloadAuthor == "" {
		payloadAuthor = envelope.Author
	}

	return Message{
		Author:    envelope.Author,
		Recipient: envelope.Recipient,
		Link:      messageLink,
		Permalink: messagePermalink,
		SigPubKey: sigPubKey,
		Time:      envelope.Time,
		Inbound:   true,
		Payload: Payload{
			Link:      payloadLink,
			Permalink: payloadPermalink,
			Author:    payloadAuthor,
			SigPubKey: payloadSigPubKey,
			Type:      payload.Type,
		},
		Body: json.RawMessage(raw),
	}, nil
}

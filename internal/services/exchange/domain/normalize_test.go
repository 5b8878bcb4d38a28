package domain

import (
	"errors"
	"testing"

	"github.com/anchormesh/anchormesh/internal/platform/link"
)

func TestNormalizeInboundDerivesLinks(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"_t":"anchormesh.Message","_s":"sig","_sigPubKey":"p256:aa","_author":"alice","_recipient":"self","time":100,"object":{"_t":"anchormesh.Note","_s":"sig2","_sigPubKey":"p256:bb"}}`)

	message, err := NormalizeInbound(raw)
	if err != nil {
		t.Fatalf("NormalizeInbound: %v", err)
	}

	if message.Author != "alice" || message.Recipient != "self" {
		t.Fatalf("unexpected parties %q -> %q", message.Author, message.Recipient)
	}
	if !message.Inbound {
		t.Fatal("normalized message must be inbound")
	}
	if !link.Valid(message.Link) {
		t.Fatalf("derived link %q is not content-addressed", message.Link)
	}
	if message.Permalink != message.Link {
		t.Fatalf("first version permalink must equal link, got %q vs %q", message.Permalink, message.Link)
	}
	if !link.Valid(message.Payload.Link) || message.Payload.Link == message.Link {
		t.Fatalf("payload link %q must be a distinct content address", message.Payload.Link)
	}
	if message.Payload.Permalink != message.Payload.Link {
		t.Fatal("first version payload permalink must equal payload link")
	}
	if message.Payload.Author != "alice" {
		t.Fatalf("payload author defaults to envelope author, got %q", message.Payload.Author)
	}
	if message.SigPubKey != (PubKey{Curve: "p256", Hex: "aa"}) {
		t.Fatalf("unexpected signing key %+v", message.SigPubKey)
	}
	if string(message.Body) != string(raw) {
		t.Fatal("body must preserve the raw envelope bytes")
	}
}

func TestNormalizeInboundIsDeterministic(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"_t":"anchormesh.Message","_s":"sig","_author":"alice","_recipient":"self","time":100,"object":{"_t":"anchormesh.Note","_s":"sig2"}}`)

	first, err := NormalizeInbound(raw)
	if err != nil {
		t.Fatalf("NormalizeInbound: %v", err)
	}
	second, err := NormalizeInbound(raw)
	if err != nil {
		t.Fatalf("NormalizeInbound: %v", err)
	}
	if first.Link != second.Link || first.Payload.Link != second.Payload.Link {
		t.Fatal("identical bytes must derive identical links")
	}
}

func TestNormalizeInboundKeepsExplicitPermalinks(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"_t":"anchormesh.Message","_s":"sig","_author":"alice","_recipient":"self","_p":"perma-1","time":100,"object":{"_t":"anchormesh.Note","_s":"sig2","_p":"perma-2","_author":"delegate"}}`)

	message, err := NormalizeInbound(raw)
	if err != nil {
		t.Fatalf("NormalizeInbound: %v", err)
	}
	if message.Permalink != "perma-1" {
		t.Fatalf("expected explicit envelope permalink, got %q", message.Permalink)
	}
	if message.Payload.Permalink != "perma-2" {
		t.Fatalf("expected explicit payload permalink, got %q", message.Payload.Permalink)
	}
	if message.Payload.Author != "delegate" {
		t.Fatalf("expected explicit payload author, got %q", message.Payload.Author)
	}
}

func TestNormalizeInboundRejectsMalformedEnvelopes(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":          `{`,
		"wrong type":        `{"_t":"anchormesh.Note","_s":"sig","_author":"a","_recipient":"b","time":100,"object":{"_t":"anchormesh.Note","_s":"s"}}`,
		"unsigned envelope": `{"_t":"anchormesh.Message","_author":"a","_recipient":"b","time":100,"object":{"_t":"anchormesh.Note","_s":"s"}}`,
		"missing author":    `{"_t":"anchormesh.Message","_s":"sig","_recipient":"b","time":100,"object":{"_t":"anchormesh.Note","_s":"s"}}`,
		"missing time":      `{"_t":"anchormesh.Message","_s":"sig","_author":"a","_recipient":"b","object":{"_t":"anchormesh.Note","_s":"s"}}`,
		"missing payload":   `{"_t":"anchormesh.Message","_s":"sig","_author":"a","_recipient":"b","time":100}`,
		"untyped payload":   `{"_t":"anchormesh.Message","_s":"sig","_author":"a","_recipient":"b","time":100,"object":{"_s":"s"}}`,
		"unsigned payload":  `{"_t":"anchormesh.Message","_s":"sig","_author":"a","_recipient":"b","time":100,"object":{"_t":"anchormesh.Note"}}`,
		"nested envelope":   `{"_t":"anchormesh.Message","_s":"sig","_author":"a","_recipient":"b","time":100,"object":{"_t":"anchormesh.Message","_s":"s"}}`,
		"bad signing key":   `{"_t":"anchormesh.Message","_s":"sig","_sigPubKey":"p256","_author":"a","_recipient":"b","time":100,"object":{"_t":"anchormesh.Note","_s":"s"}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := NormalizeInbound([]byte(raw)); !errors.Is(err, ErrInvalidMessageFormat) {
				t.Fatalf("expected ErrInvalidMessageFormat, got %v", err)
			}
		})
	}
}

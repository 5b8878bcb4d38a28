// Package gateway implements the request/response transport. Messages
// for recipients without a live session are POSTed to the inbox
// endpoint published in their delivery profile.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anchormesh/anchormesh/internal/platform/timeouts"
	"github.com/anchormesh/anchormesh/internal/services/delivery/domain"
	exchange "github.com/anchormesh/anchormesh/internal/services/exchange/domain"
)

// inboxPath is the well-known inbox route on recipient endpoints.
const inboxPath = "/v1/inbox"

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// Client delivers message batches over HTTP.
type Client struct {
	profiles   domain.ProfileResolver
	httpClient *http.Client
}

// New creates a gateway transport resolving endpoints through profiles.
func New(profiles domain.ProfileResolver, opts ...Option) (*Client, error) {
	if profiles == nil {
		return nil, fmt.Errorf("profile resolver is required")
	}
	c := &Client{
		profiles:   profiles,
		httpClient: &http.Client{Timeout: timeouts.GatewayRequest},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name implements domain.Transport.
func (c *Client) Name() string { return "gateway" }

// Capabilities implements domain.Transport. The gateway is one-way:
// acks and rejects only flow over live sessions.
func (c *Client) Capabilities() domain.Capabilities {
	return domain.Capabilities{DeliverBatch: true}
}

type inboxRequest struct {
	Messages []json.RawMessage `json:"messages"`
}

// DeliverBatch implements domain.Transport. The profile is resolved
// per call, from req.Profile when the caller supplied an override and
// from the recipient's own permalink otherwise; a failed resolution
// fails the delivery.
func (c *Client) DeliverBatch(ctx context.Context, req domain.Request, messages []exchange.Message) error {
	if len(messages) == 0 {
		return nil
	}

	permalink := req.Profile
	if permalink == "" {
		permalink = req.Recipient
	}
	profile, err := c.profiles.ProfileByPermalink(ctx, permalink)
	if err != nil {
		return fmt.Errorf("resolve profile %s for %s: %w", permalink, req.Recipient, err)
	}
	endpoint := strings.TrimRight(strings.TrimSpace(profile.Endpoint), "/")
	if endpoint == "" {
		return fmt.Errorf("%w: %s", domain.ErrNoProfile, permalink)
	}

	payload := inboxRequest{Messages: make([]json.RawMessage, 0, len(messages))}
	for _, message := range messages {
		if len(message.Body) == 0 {
			return fmt.Errorf("message %s has no body to deliver", message.Link)
		}
		payload.Messages = append(payload.Messages, message.Body)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode inbox request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+inboxPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build inbox request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post inbox request to %s: %w", req.Recipient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inbox request to %s: status %d: %s", req.Recipient, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// Ack implements domain.Transport.
func (c *Client) Ack(context.Context, domain.Request, string) error {
	return fmt.Errorf("%w: %s on gateway", domain.ErrNoTransport, domain.OpAck)
}

// Reject implements domain.Transport.
func (c *Client) Reject(context.Context, domain.Request, string, error) error {
	return fmt.Errorf("%w: %s on gateway", domain.ErrNoTransport, domain.OpReject)
}

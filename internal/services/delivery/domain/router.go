package domain

import "fmt"

// Request describes one routing decision. ClientID is set when the
// recipient is known to hold a live session and wins over Profile.
// Profile names a specific peer profile for gateway delivery instead of
// resolving the recipient's own.
type Request struct {
	Recipient string
	ClientID  string
	Profile   string
	Op        Op
}

// Router picks a transport per request by capability, preferring the
// live session transport and falling back to the request/response
// gateway for recipients without one.
type Router struct {
	session Transport
	gateway Transport
}

// NewRouter creates a router over the given transports. Either may be
// nil, but not both.
func NewRouter(session, gateway Transport) (*Router, error) {
	if session == nil && gateway == nil {
		return nil, fmt.Errorf("at least one transport is required")
	}
	return &Router{session: session, gateway: gateway}, nil
}

// Select returns the transport handling op for the request. A known
// client id, or an op the gateway cannot carry, routes to the session;
// everything else routes to the gateway. An undeliverable op is a hard
// failure, never a silent downgrade.
func (r *Router) Select(req Request) (Transport, error) {
	if req.ClientID != "" || !supports(r.gateway, req.Op) {
		if !supports(r.session, req.Op) {
			return nil, fmt.Errorf("%w: %s for %s", ErrNoTransport, req.Op, req.Recipient)
		}
		return r.session, nil
	}
	return r.gateway, nil
}

func supports(t Transport, op Op) bool {
	return t != nil && t.Capabilities().Supports(op)
}

// Package app wires the courier runtime: the message store, the inbox
// HTTP surface, the transport router, and the loop that drains
// backlogs to connected peers.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	platformgrpc "github.com/anchormesh/anchormesh/internal/platform/grpc"
	"github.com/anchormesh/anchormesh/internal/platform/timeouts"
	deliverydomain "github.com/anchormesh/anchormesh/internal/services/delivery/domain"
	"github.com/anchormesh/anchormesh/internal/services/delivery/transport/gateway"
	"github.com/anchormesh/anchormesh/internal/services/delivery/transport/session"
	exchangedomain "github.com/anchormesh/anchormesh/internal/services/exchange/domain"
	exchangesqlite "github.com/anchormesh/anchormesh/internal/services/exchange/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls courier startup, dependencies, and the
// delivery loop cadence.
type RuntimeConfig struct {
	GRPCPort        int
	HTTPPort        int
	DBPath          string
	SealerAddr      string
	DeliverInterval time.Duration
	GRPCDialTimeout time.Duration

	// Profiles maps recipient permalinks to their inbox endpoints for
	// out-of-session delivery.
	Profiles map[string]string
}

const (
	defaultCourierGRPCPort = 8093
	defaultCourierHTTPPort = 8094
	defaultCourierDB       = "data/messages.db"
	defaultDeliverInterval = 2 * time.Second
)

// Run starts the courier runtime and blocks until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = defaultCourierGRPCPort
	}
	if cfg.HTTPPort <= 0 {
		cfg.HTTPPort = defaultCourierHTTPPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultCourierDB
	}
	if cfg.DeliverInterval <= 0 {
		cfg.DeliverInterval = defaultDeliverInterval
	}
	if cfg.GRPCDialTimeout <= 0 {
		cfg.GRPCDialTimeout = timeouts.GRPCDial
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create message storage dir: %w", err)
		}
	}

	messageStore, err := exchangesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open message sqlite store: %w", err)
	}
	defer func() {
		if closeErr := messageStore.Close(); closeErr != nil {
			log.Printf("close message sqlite store: %v", closeErr)
		}
	}()

	messages, err := exchangedomain.NewService(messageStore)
	if err != nil {
		return fmt.Errorf("create message service: %w", err)
	}

	registry := session.NewRegistry()
	gatewayClient, err := gateway.New(staticProfiles(cfg.Profiles))
	if err != nil {
		return fmt.Errorf("create gateway transport: %w", err)
	}
	router, err := deliverydomain.NewRouter(registry, gatewayClient)
	if err != nil {
		return fmt.Errorf("create transport router: %w", err)
	}
	deliverer, err := deliverydomain.NewDeliverer(messages, router,
		deliverydomain.WithCursorStore(messageStore))
	if err != nil {
		return fmt.Errorf("create deliverer: %w", err)
	}

	if addr := strings.TrimSpace(cfg.SealerAddr); addr != "" {
		sealerConn, err := platformgrpc.DialWithHealth(
			ctx,
			nil,
			addr,
			cfg.GRPCDialTimeout,
			log.Printf,
			platformgrpc.DefaultClientDialOptions()...,
		)
		if err != nil {
			return fmt.Errorf("dial sealer service: %w", err)
		}
		defer func() {
			if closeErr := sealerConn.Close(); closeErr != nil {
				log.Printf("close sealer connection: %v", closeErr)
			}
		}()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on courier gRPC port %d: %w", cfg.GRPCPort, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("courier.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           NewHandler(messages),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown courier http server: %v", err)
		}
		<-httpErr
	}()

	log.Printf("courier gRPC listening at %v, http at :%d", listener.Addr(), cfg.HTTPPort)

	select {
	case err := <-httpErr:
		httpErr <- nil
		return fmt.Errorf("courier http server: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	return runDeliveryLoop(ctx, deliverer, registry, cfg.DeliverInterval)
}

// runDeliveryLoop drains the backlog of every connected recipient on a
// fixed cadence. Per-recipient failures are logged and retried on the
// next tick.
func runDeliveryLoop(ctx context.Context, deliverer *deliverydomain.Deliverer, registry *session.Registry, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, recipient := range registry.Recipients() {
				clientID, ok := registry.ClientID(recipient)
				if !ok {
					continue
				}
				if _, err := deliverer.Resume(ctx, deliverydomain.DeliverRequest{
					Recipient: recipient,
					ClientID:  clientID,
				}); err != nil && ctx.Err() == nil {
					log.Printf("deliver to %s: %v", recipient, err)
				}
			}
		}
	}
}

// staticProfiles resolves delivery profiles from a fixed table.
type staticProfiles map[string]string

func (p staticProfiles) ProfileByPermalink(_ context.Context, permalink string) (deliverydomain.Profile, error) {
	endpoint, ok := p[permalink]
	if !ok {
		return deliverydomain.Profile{}, fmt.Errorf("%w: %s", deliverydomain.ErrNoProfile, permalink)
	}
	return deliverydomain.Profile{Permalink: permalink, Endpoint: endpoint}, nil
}

// NewHandler builds the courier HTTP surface: the inbox endpoint plus
// a liveness probe.
func NewHandler(messages *exchangedomain.Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/inbox", func(w http.ResponseWriter, r *http.Request) {
		handleInbox(w, r, messages)
	})
	return mux
}

type inboxRequest struct {
	Messages []json.RawMessage `json:"messages"`
}

type inboxResponse struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

func handleInbox(w http.ResponseWriter, r *http.Request, messages *exchangedomain.Service) {
	var req inboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "no messages", http.StatusBadRequest)
		return
	}

	resp := inboxResponse{}
	for _, raw := range req.Messages {
		message, err := exchangedomain.NormalizeInbound(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := messages.PutInbound(r.Context(), message); err != nil {
			switch {
			case errors.Is(err, exchangedomain.ErrDuplicate):
				resp.Rejected = append(resp.Rejected, message.Link)
			case errors.Is(err, exchangedomain.ErrTimeTravel):
				http.Error(w, err.Error(), http.StatusConflict)
				return
			default:
				log.Printf("inbox: store message %s: %v", message.Link, err)
				http.Error(w, "storage failure", http.StatusInternalServerError)
				return
			}
			continue
		}
		resp.Accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("inbox: encode response: %v", err)
	}
}

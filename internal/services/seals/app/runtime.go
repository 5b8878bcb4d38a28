// Package app wires the sealer runtime: the seal store, the chain
// adapter, the seal manager, and the background loops that write
// pending seals and sync confirmations.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anchormesh/anchormesh/internal/services/seals/chain/devchain"
	sealdomain "github.com/anchormesh/anchormesh/internal/services/seals/domain"
	sealsqlite "github.com/anchormesh/anchormesh/internal/services/seals/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls sealer startup, dependencies, and loop cadence.
type RuntimeConfig struct {
	Port                  int
	DBPath                string
	Network               string
	RequiredConfirmations int64
	SealInterval          time.Duration
	SyncInterval          time.Duration
	MineInterval          time.Duration
	Workers               int

	// Notifier receives lifecycle events; nil disables notifications.
	Notifier sealdomain.Notifier
}

const (
	defaultSealerPort   = 8092
	defaultSealerDB     = "data/seals.db"
	defaultSealInterval = 5 * time.Second
	defaultSyncInterval = 10 * time.Second
	defaultMineInterval = 15 * time.Second
)

// Run starts the sealer runtime and blocks until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSealerPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultSealerDB
	}
	if cfg.SealInterval <= 0 {
		cfg.SealInterval = defaultSealInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MineInterval <= 0 {
		cfg.MineInterval = defaultMineInterval
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create seal storage dir: %w", err)
		}
	}

	sealStore, err := sealsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open seal sqlite store: %w", err)
	}
	defer func() {
		if closeErr := sealStore.Close(); closeErr != nil {
			log.Printf("close seal sqlite store: %v", closeErr)
		}
	}()

	chainOpts := []devchain.Option{devchain.WithNetwork(cfg.Network)}
	if cfg.RequiredConfirmations > 0 {
		chainOpts = append(chainOpts, devchain.WithRequiredConfirmations(cfg.RequiredConfirmations))
	}
	chain := devchain.New(chainOpts...)

	managerOpts := []sealdomain.Option{}
	if cfg.Notifier != nil {
		managerOpts = append(managerOpts, sealdomain.WithNotifier(cfg.Notifier))
	}
	if cfg.Workers > 0 {
		managerOpts = append(managerOpts, sealdomain.WithWorkers(cfg.Workers))
	}
	manager, err := sealdomain.NewManager(sealStore, chain, managerOpts...)
	if err != nil {
		return fmt.Errorf("create seal manager: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on sealer port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("sealer.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("sealer server listening at %v", listener.Addr())
	return runLoops(ctx, manager, chain, cfg)
}

// runLoops drives the seal-write, confirmation-sync, and dev mining
// tickers until ctx is done. Loop failures are logged, not fatal: a
// transient chain or store outage must not take the service down.
func runLoops(ctx context.Context, manager *sealdomain.Manager, chain *devchain.Chain, cfg RuntimeConfig) error {
	sealTicker := time.NewTicker(cfg.SealInterval)
	defer sealTicker.Stop()
	syncTicker := time.NewTicker(cfg.SyncInterval)
	defer syncTicker.Stop()
	mineTicker := time.NewTicker(cfg.MineInterval)
	defer mineTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sealTicker.C:
			if _, err := manager.SealPending(ctx, 0); err != nil && ctx.Err() == nil {
				log.Printf("seal pending: %v", err)
			}
		case <-mineTicker.C:
			chain.Mine(1)
		case <-syncTicker.C:
			if err := manager.SyncUnconfirmed(ctx, 0); err != nil && ctx.Err() == nil {
				log.Printf("sync unconfirmed: %v", err)
			}
		}
	}
}

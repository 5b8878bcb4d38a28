// Package courier parses courier command flags and launches the courier runtime.
package courier

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/anchormesh/anchormesh/internal/platform/cmd"
	"github.com/anchormesh/anchormesh/internal/platform/discovery"
	courierserver "github.com/anchormesh/anchormesh/internal/services/delivery/app"
)

// Config holds courier command configuration.
type Config struct {
	GRPCPort        int           `env:"ANCHORMESH_COURIER_GRPC_PORT" envDefault:"8093"`
	HTTPPort        int           `env:"ANCHORMESH_COURIER_HTTP_PORT" envDefault:"8094"`
	DBPath          string        `env:"ANCHORMESH_COURIER_DB_PATH" envDefault:"data/messages.db"`
	SealerAddr      string        `env:"ANCHORMESH_COURIER_SEALER_ADDR"`
	DeliverInterval time.Duration `env:"ANCHORMESH_COURIER_DELIVER_INTERVAL" envDefault:"2s"`
	GRPCDialTimeout time.Duration `env:"ANCHORMESH_COURIER_DIAL_TIMEOUT" envDefault:"2s"`
	// Profiles maps recipient permalinks to inbox endpoints as
	// comma-separated permalink=endpoint pairs.
	Profiles string `env:"ANCHORMESH_COURIER_PROFILES"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The courier health gRPC server port")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "The courier inbox HTTP server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The message SQLite database path")
	fs.StringVar(&cfg.SealerAddr, "sealer-addr", cfg.SealerAddr, "The sealer gRPC server address, auto for the discovery default, empty to run standalone")
	fs.DurationVar(&cfg.DeliverInterval, "deliver-interval", cfg.DeliverInterval, "Backlog delivery interval")
	fs.DurationVar(&cfg.GRPCDialTimeout, "dial-timeout", cfg.GRPCDialTimeout, "gRPC dependency dial timeout")
	fs.StringVar(&cfg.Profiles, "profiles", cfg.Profiles, "Recipient delivery profiles as permalink=endpoint pairs")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseProfiles expands the comma-separated profile pairs.
func ParseProfiles(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	profiles := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		permalink, endpoint, ok := strings.Cut(pair, "=")
		permalink = strings.TrimSpace(permalink)
		endpoint = strings.TrimSpace(endpoint)
		if !ok || permalink == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid profile pair %q: want permalink=endpoint", pair)
		}
		profiles[permalink] = endpoint
	}
	return profiles, nil
}

// Run starts the courier runtime.
func Run(ctx context.Context, cfg Config) error {
	profiles, err := ParseProfiles(cfg.Profiles)
	if err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.SealerAddr), "auto") {
		cfg.SealerAddr = discovery.DefaultGRPCAddr(discovery.ServiceSealer)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCourier, func(context.Context) error {
		return courierserver.Run(ctx, courierserver.RuntimeConfig{
			GRPCPort:        cfg.GRPCPort,
			HTTPPort:        cfg.HTTPPort,
			DBPath:          cfg.DBPath,
			SealerAddr:      cfg.SealerAddr,
			DeliverInterval: cfg.DeliverInterval,
			GRPCDialTimeout: cfg.GRPCDialTimeout,
			Profiles:        profiles,
		})
	})
}

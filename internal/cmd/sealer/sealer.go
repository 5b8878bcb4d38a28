// Package sealer parses sealer command flags and launches the sealer runtime.
package sealer

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/anchormesh/anchormesh/internal/platform/cmd"
	sealerserver "github.com/anchormesh/anchormesh/internal/services/seals/app"
)

// Config holds sealer command configuration.
type Config struct {
	Port                  int           `env:"ANCHORMESH_SEALER_PORT" envDefault:"8092"`
	DBPath                string        `env:"ANCHORMESH_SEALER_DB_PATH" envDefault:"data/seals.db"`
	Network               string        `env:"ANCHORMESH_SEALER_NETWORK" envDefault:"local"`
	RequiredConfirmations int64         `env:"ANCHORMESH_SEALER_CONFIRMATIONS" envDefault:"6"`
	SealInterval          time.Duration `env:"ANCHORMESH_SEALER_SEAL_INTERVAL" envDefault:"5s"`
	SyncInterval          time.Duration `env:"ANCHORMESH_SEALER_SYNC_INTERVAL" envDefault:"10s"`
	MineInterval          time.Duration `env:"ANCHORMESH_SEALER_MINE_INTERVAL" envDefault:"15s"`
	Workers               int           `env:"ANCHORMESH_SEALER_WORKERS" envDefault:"4"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The sealer health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The seal SQLite database path")
	fs.StringVar(&cfg.Network, "network", cfg.Network, "Chain network label")
	fs.Int64Var(&cfg.RequiredConfirmations, "confirmations", cfg.RequiredConfirmations, "Confirmations required to finish a seal")
	fs.DurationVar(&cfg.SealInterval, "seal-interval", cfg.SealInterval, "Pending seal write interval")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "Confirmation sync interval")
	fs.DurationVar(&cfg.MineInterval, "mine-interval", cfg.MineInterval, "Dev chain block interval")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent confirmation updates")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sealer runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSealer, func(context.Context) error {
		return sealerserver.Run(ctx, sealerserver.RuntimeConfig{
			Port:                  cfg.Port,
			DBPath:                cfg.DBPath,
			Network:               cfg.Network,
			RequiredConfirmations: cfg.RequiredConfirmations,
			SealInterval:          cfg.SealInterval,
			SyncInterval:          cfg.SyncInterval,
			MineInterval:          cfg.MineInterval,
			Workers:               cfg.Workers,
		})
	})
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/media-pipeline/internal/config"
	"github.com/cuongbtq/media-pipeline/shared/postgresql"
	sharedredis "github.com/cuongbtq/media-pipeline/shared/redis"
)

// HealthChecker is implemented by ledgers backed by a network service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// managed owns the connection behind a ledger and closes it with the ledger.
type managed struct {
	Ledger
	health HealthChecker
	close  func() error
}

func (m *managed) HealthCheck(ctx context.Context) error {
	return m.health.HealthCheck(ctx)
}

func (m *managed) Close() error {
	return errors.Join(m.Ledger.Close(), m.close())
}

// Open builds the ledger backend selected by cfg.Ledger.
func Open(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (Ledger, error) {
	opts.MaxReleases = cfg.Ledger.MaxReleases

	switch cfg.Ledger.Backend {
	case config.LedgerBackendMemory, "":
		return NewMemory(opts), nil

	case config.LedgerBackendSQLite:
		return OpenSQLite(ctx, cfg.Ledger.SQLitePath, opts)

	case config.LedgerBackendPebble:
		return OpenPebble(cfg.Ledger.PebblePath, opts)

	case config.LedgerBackendPostgres:
		client, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := client.Migrate(ctx, Schema); err != nil {
			client.Close()
			return nil, err
		}
		return &managed{Ledger: NewSQL(client.GetDB(), opts), health: client, close: client.Close}, nil

	case config.LedgerBackendRedis:
		client, err := sharedredis.NewClient(&sharedredis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &managed{Ledger: NewRedis(client.GetClient(), cfg.Redis.KeyPrefix, opts), health: client, close: client.Close}, nil

	default:
		return nil, fmt.Errorf("unknown ledger backend: %q", cfg.Ledger.Backend)
	}
}

package ledger

import (
	"context"
	"fmt"

	"rksv-fiscal-service/internal/config"
)

// CreateStore creates the ledger store selected by configuration.
func CreateStore(ctx context.Context, cfg *config.Config) (Store, error) {
	verbose := cfg.Server.Verbose

	switch cfg.Storage.Backend {
	case "memory":
		return NewMemoryStore(verbose), nil

	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres storage selected but no dsn configured")
		}
		return NewPostgresStore(ctx, cfg.Storage.Postgres.DSN, verbose)

	case "leveldb":
		if cfg.Storage.LevelDB.Path == "" {
			return nil, fmt.Errorf("leveldb storage selected but no path configured")
		}
		return NewLevelDBStore(cfg.Storage.LevelDB.Path, verbose)

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}

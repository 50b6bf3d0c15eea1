package bosonstore

import (
	"fmt"

	"github.com/bosonmesh/overlay/pkg/config"
)

// NewFromConfig selects and opens a Store backend per cfg.StoreBackend,
// adapted from pkg/fleet/store_factory.go's NewStore dispatch.
func NewFromConfig(cfg *config.Coordinator) (Store, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgresStore(PostgresConfig{
			Host:     cfg.PGHost,
			Port:     cfg.PGPort,
			User:     cfg.PGUser,
			Password: cfg.PGPassword,
			Database: cfg.PGDatabase,
			SSLMode:  cfg.PGSSLMode,
		})
	default:
		return nil, fmt.Errorf("bosonstore: unknown backend %q", cfg.StoreBackend)
	}
}

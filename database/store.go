package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

// Store is durable key/value storage with bulk operations. There are no
// cross-key transactions; callers tolerate interleaved partial writes.
type Store interface {
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, entries map[string][]byte) error
	DeleteMany(ctx context.Context, keys []string) error
	GetAllWithPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(cfg shared.StoreConfig) (Store, error) {
	logger := logrus.WithFields(logrus.Fields{
		"component": "Store",
		"driver":    cfg.Driver,
	})

	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory store; cached records will not survive a restart")
		return NewMemoryStore(), nil
	case "sqlite":
		store, err := OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", cfg.SQLitePath).Info("Opened SQLite store")
		return store, nil
	case "postgres":
		db, err := Connect(cfg.DatabaseURL, &cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, postgresSchema); err != nil {
			db.Close()
			return nil, err
		}
		return NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// SQLBacked is implemented by stores that sit on a *sql.DB.
type SQLBacked interface {
	DB() *sql.DB
}

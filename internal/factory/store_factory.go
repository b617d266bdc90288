package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/adapters/store"
	"github.com/mikey/pgp-list-relay/internal/config"
	"github.com/mikey/pgp-list-relay/internal/core"
)

// StoreFactory creates list and subscriber stores based on configuration
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateStores creates the list and subscriber stores based on the
// configuration. Both views are served by the same backend.
func (f *StoreFactory) CreateStores() (core.ListStore, core.SubscriberStore, error) {
	storeType := f.cfg.GetString("store.type")

	switch storeType {
	case "memory":
		s := store.NewMemoryStore(f.logger)
		return s, s, nil
	case "sqlite":
		sqlitePath := f.cfg.GetString("store.sqlite_path")
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		s, err := store.NewSQLiteStore(sqlitePath, f.logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "mysql":
		mysqlDSN := f.cfg.GetString("store.mysql_dsn")
		s, err := store.NewMySQLStore(mysqlDSN, f.logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}

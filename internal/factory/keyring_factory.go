package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/adapters/gpg"
	"github.com/mikey/pgp-list-relay/internal/adapters/hkp"
	"github.com/mikey/pgp-list-relay/internal/config"
	"github.com/mikey/pgp-list-relay/internal/core"
)

// KeyringFactory creates the keyring store and keyserver fetcher
type KeyringFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewKeyringFactory creates a new keyring factory
func NewKeyringFactory(cfg *config.Config, logger *zap.Logger) *KeyringFactory {
	return &KeyringFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateKeyringStore creates the per-list keyring store. The store
// serves both the keystore and the crypto engine ports.
func (f *KeyringFactory) CreateKeyringStore() (*gpg.Store, error) {
	dir := f.cfg.GetString("relay.keyring_dir")
	return gpg.NewStore(dir, f.logger)
}

// CreateKeyFetcher creates the HKP keyserver fetcher
func (f *KeyringFactory) CreateKeyFetcher() (core.KeyFetcher, error) {
	timeout, err := f.cfg.GetDuration("hkp.timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid keyserver timeout: %w", err)
	}
	return hkp.NewFetcher(f.cfg.GetString("hkp.base_url"), timeout, f.logger), nil
}

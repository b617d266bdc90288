package di

import (
	"go.uber.org/dig"

	"github.com/mikey/pgp-list-relay/internal/adapters/gpg"
	"github.com/mikey/pgp-list-relay/internal/adapters/ingress"
	"github.com/mikey/pgp-list-relay/internal/command"
	"github.com/mikey/pgp-list-relay/internal/config"
	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/crypto"
	"github.com/mikey/pgp-list-relay/internal/distribution"
	"github.com/mikey/pgp-list-relay/internal/factory"
	"github.com/mikey/pgp-list-relay/internal/logging"
	"github.com/mikey/pgp-list-relay/internal/pipeline"
	"go.uber.org/zap"
)

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewTransportFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewKeyringFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewIngressFactory); err != nil {
		return nil, err
	}

	// Register list and subscriber stores
	if err := container.Provide(func(f *factory.StoreFactory) (core.ListStore, core.SubscriberStore, error) {
		return f.CreateStores()
	}); err != nil {
		return nil, err
	}

	// Register keyring store and its two ports
	if err := container.Provide(func(f *factory.KeyringFactory) (*gpg.Store, error) {
		return f.CreateKeyringStore()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(s *gpg.Store) core.KeyStore { return s }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(s *gpg.Store) core.Engine { return s }); err != nil {
		return nil, err
	}

	// Register keyserver fetcher
	if err := container.Provide(func(f *factory.KeyringFactory) (core.KeyFetcher, error) {
		return f.CreateKeyFetcher()
	}); err != nil {
		return nil, err
	}

	// Register outbound transport
	if err := container.Provide(func(f *factory.TransportFactory) (core.Transport, error) {
		return f.CreateTransport()
	}); err != nil {
		return nil, err
	}

	// Register crypto envelope
	if err := container.Provide(crypto.NewEnvelope); err != nil {
		return nil, err
	}

	// Register distribution engine
	if err := container.Provide(func(
		cfg *config.Config,
		envelope *crypto.Envelope,
		keys core.KeyStore,
		subs core.SubscriberStore,
		transport core.Transport,
		logger *zap.Logger,
	) (*distribution.Engine, error) {
		sendTimeout, err := cfg.GetDuration("delivery.send_timeout")
		if err != nil {
			return nil, err
		}
		workers := cfg.GetInt("delivery.workers")
		return distribution.NewEngine(envelope, keys, subs, transport, logger,
			cfg.GetString("relay.superadmin"), workers, sendTimeout), nil
	}); err != nil {
		return nil, err
	}

	// Register keyword handlers and dispatcher
	if err := container.Provide(command.NewHandlers); err != nil {
		return nil, err
	}
	if err := container.Provide(command.NewDispatcher); err != nil {
		return nil, err
	}

	// Register pipeline
	if err := container.Provide(pipeline.New); err != nil {
		return nil, err
	}

	// Register ingress server
	if err := container.Provide(func(f *factory.IngressFactory, p *pipeline.Pipeline) (*ingress.Server, error) {
		return f.CreateIngressServer(p)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

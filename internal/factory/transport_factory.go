package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/adapters/transport"
	"github.com/mikey/pgp-list-relay/internal/config"
	"github.com/mikey/pgp-list-relay/internal/core"
)

// TransportFactory creates outbound transports based on configuration
type TransportFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewTransportFactory creates a new transport factory
func NewTransportFactory(cfg *config.Config, logger *zap.Logger) *TransportFactory {
	return &TransportFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTransport creates the outbound transport based on the configuration
func (f *TransportFactory) CreateTransport() (core.Transport, error) {
	transportType := f.cfg.GetString("transport.type")

	switch transportType {
	case "smtp":
		return transport.NewSMTPTransport(
			f.cfg.GetString("transport.smtp_address"),
			f.cfg.GetString("transport.helo_domain"),
			f.cfg.GetString("transport.username"),
			f.cfg.GetString("transport.password"),
			f.logger,
		), nil
	case "stdout":
		return transport.NewStdoutTransport(f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}

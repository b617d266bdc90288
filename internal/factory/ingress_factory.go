package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/adapters/ingress"
	"github.com/mikey/pgp-list-relay/internal/config"
	"github.com/mikey/pgp-list-relay/internal/pipeline"
)

// IngressFactory creates the inbound SMTP server
type IngressFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewIngressFactory creates a new ingress factory
func NewIngressFactory(cfg *config.Config, logger *zap.Logger) *IngressFactory {
	return &IngressFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateIngressServer creates the inbound SMTP server around the pipeline
func (f *IngressFactory) CreateIngressServer(p *pipeline.Pipeline) (*ingress.Server, error) {
	readTimeout, err := f.cfg.GetDuration("ingress.read_timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid ingress read timeout: %w", err)
	}
	writeTimeout, err := f.cfg.GetDuration("ingress.write_timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid ingress write timeout: %w", err)
	}

	return ingress.NewServer(
		p,
		f.logger,
		f.cfg.GetString("ingress.listen_address"),
		f.cfg.GetString("ingress.domain"),
		int64(f.cfg.GetInt("ingress.max_message_bytes")),
		readTimeout,
		writeTimeout,
	), nil
}

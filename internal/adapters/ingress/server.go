// Package ingress accepts messages from the local MTA over SMTP and
// feeds each recipient through the processing pipeline.
package ingress

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/pipeline"
)

// Server is the inbound SMTP endpoint the MTA relays list mail to.
type Server struct {
	pipeline     *pipeline.Pipeline
	logger       *zap.Logger
	listenAddr   string
	domain       string
	maxBytes     int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	server       *smtp.Server
}

// NewServer creates a new inbound SMTP server.
func NewServer(
	p *pipeline.Pipeline,
	logger *zap.Logger,
	listenAddr string,
	domain string,
	maxBytes int64,
	readTimeout time.Duration,
	writeTimeout time.Duration,
) *Server {
	return &Server{
		pipeline:     p,
		logger:       logger,
		listenAddr:   listenAddr,
		domain:       domain,
		maxBytes:     maxBytes,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Start starts the SMTP server in the background.
func (s *Server) Start() error {
	s.server = smtp.NewServer(&smtpBackend{ingress: s})

	s.server.Addr = s.listenAddr
	s.server.Domain = s.domain
	s.server.ReadTimeout = s.readTimeout
	s.server.WriteTimeout = s.writeTimeout
	s.server.MaxMessageBytes = s.maxBytes
	s.server.MaxRecipients = 50
	s.server.AllowInsecureAuth = true

	s.logger.Info("Ingress SMTP server starting", zap.String("address", s.listenAddr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil {
			if err != smtp.ErrServerClosed {
				s.logger.Error("SMTP server error", zap.Error(err))
			}
		}
	}()

	return nil
}

// Stop stops the SMTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// smtpBackend implements the go-smtp Backend interface
type smtpBackend struct {
	ingress *Server
}

// NewSession creates a new SMTP session
func (b *smtpBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{
		ingress:    b.ingress,
		recipients: make([]string, 0),
	}, nil
}

// smtpSession implements the go-smtp Session interface
type smtpSession struct {
	ingress    *Server
	sender     string
	recipients []string
}

// Reset resets the session state
func (s *smtpSession) Reset() {
	s.sender = ""
	s.recipients = make([]string, 0)
}

// AuthPlain handles PLAIN authentication (not needed on this port)
func (s *smtpSession) AuthPlain(_ []byte) error {
	return smtp.ErrAuthUnsupported
}

// Mail sets the sender address
func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

// Rcpt adds a recipient
func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data runs the pipeline once per accepted recipient. A failure for
// one recipient does not abort delivery to the others; the first
// failure is reported back to the MTA so it can retry.
func (s *smtpSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		s.ingress.logger.Error("Failed to read message data", zap.Error(err))
		return err
	}

	var firstErr error
	for _, recipient := range s.recipients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		err := s.ingress.pipeline.Run(ctx, raw, recipient)
		cancel()
		if err != nil {
			s.ingress.logger.Error("Failed to process message",
				zap.String("recipient", recipient),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("processing for %s failed: %w", recipient, err)
			}
		}
	}
	return firstErr
}

// Logout handles SMTP logout
func (s *smtpSession) Logout() error {
	return nil
}

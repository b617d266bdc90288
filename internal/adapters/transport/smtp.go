// Package transport delivers finished messages to the outbound MTA.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
)

// SMTPTransport hands messages to an SMTP relay, one connection per
// delivery.
type SMTPTransport struct {
	addr       string
	heloDomain string
	username   string
	password   string
	logger     *zap.Logger
}

// NewSMTPTransport creates a transport against the given relay
// address. Credentials are optional; when set, PLAIN authentication
// is attempted.
func NewSMTPTransport(addr, heloDomain, username, password string, logger *zap.Logger) *SMTPTransport {
	return &SMTPTransport{
		addr:       addr,
		heloDomain: heloDomain,
		username:   username,
		password:   password,
		logger:     logger,
	}
}

// Deliver sends the raw message with the given envelope.
func (t *SMTPTransport) Deliver(ctx context.Context, from, to string, raw []byte) error {
	conn, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return &core.TransportError{Recipient: to, Err: fmt.Errorf("failed to connect to relay: %w", err)}
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return &core.TransportError{Recipient: to, Err: fmt.Errorf("failed to set connection deadline: %w", err)}
		}
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(t.heloDomain); err != nil {
		return &core.TransportError{Recipient: to, Err: fmt.Errorf("EHLO failed: %w", err)}
	}

	if t.username != "" {
		auth := sasl.NewPlainClient("", t.username, t.password)
		if err := c.Auth(auth); err != nil {
			return &core.TransportError{Recipient: to, Err: fmt.Errorf("authentication failed: %w", err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &core.TransportError{Recipient: to, Err: fmt.Errorf("MAIL FROM failed: %w", err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &core.TransportError{Recipient: to, Err: fmt.Errorf("RCPT TO failed: %w", err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &core.TransportError{Recipient: to, Err: fmt.Errorf("DATA command failed: %w", err)}
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return &core.TransportError{Recipient: to, Err: fmt.Errorf("failed to send message data: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &core.TransportError{Recipient: to, Err: fmt.Errorf("failed to close data writer: %w", err)}
	}

	if err := c.Quit(); err != nil {
		t.logger.Warn("QUIT command failed", zap.Error(err))
		// The message was already accepted, so this is not a failure
	}

	t.logger.Debug("Delivered message",
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("bytes", len(raw)))
	return nil
}

var _ core.Transport = (*SMTPTransport)(nil)

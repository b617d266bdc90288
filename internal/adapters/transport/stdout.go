package transport

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
)

// StdoutTransport writes messages to a stream instead of delivering
// them. Useful for dry runs and local debugging.
type StdoutTransport struct {
	out    io.Writer
	logger *zap.Logger
}

// NewStdoutTransport creates a transport writing to stdout.
func NewStdoutTransport(logger *zap.Logger) *StdoutTransport {
	return &StdoutTransport{out: os.Stdout, logger: logger}
}

// Deliver prints the envelope and raw message.
func (t *StdoutTransport) Deliver(ctx context.Context, from, to string, raw []byte) error {
	_, err := fmt.Fprintf(t.out, "--- envelope from=%s to=%s ---\n%s\n", from, to, raw)
	if err != nil {
		return &core.TransportError{Recipient: to, Err: err}
	}
	t.logger.Debug("Wrote message to stdout", zap.String("to", to))
	return nil
}

var _ core.Transport = (*StdoutTransport)(nil)

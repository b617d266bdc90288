// list-msg pushes a single raw message through the relay pipeline,
// the way the MTA would. Useful for manual testing and for piping
// mail in from a delivery script.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/command"
	"github.com/mikey/pgp-list-relay/internal/config"
	"github.com/mikey/pgp-list-relay/internal/crypto"
	"github.com/mikey/pgp-list-relay/internal/distribution"
	"github.com/mikey/pgp-list-relay/internal/factory"
	"github.com/mikey/pgp-list-relay/internal/logging"
	"github.com/mikey/pgp-list-relay/internal/pipeline"
)

var (
	recipient = flag.String("recipient", "", "Envelope recipient the message was addressed to (required)")
	inputFile = flag.String("file", "", "Input message file (use stdin if not specified)")
	dryRun    = flag.Bool("dry-run", false, "Write outgoing messages to stdout instead of delivering them")
	verbose   = flag.Bool("verbose", false, "Enable verbose logging")
	jsonLog   = flag.Bool("json-log", false, "Output logs in JSON format")
	timeout   = flag.Duration("timeout", 5*time.Minute, "Overall processing timeout")
)

func main() {
	flag.Parse()

	if *recipient == "" {
		fmt.Fprintln(os.Stderr, "usage: list-msg -recipient LIST-ADDRESS [-file MESSAGE]")
		os.Exit(2)
	}

	// Initialize logger
	logger, err := logging.InitConsoleLogger(*verbose, *jsonLog)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.New()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *dryRun {
		cfg.GetViper().Set("transport.type", "stdout")
	}

	// Read the raw message
	var input io.Reader = os.Stdin
	if *inputFile != "" {
		f, err := os.Open(*inputFile)
		if err != nil {
			logger.Fatal("Failed to open input file", zap.Error(err))
		}
		defer f.Close()
		input = f
	}
	raw, err := io.ReadAll(input)
	if err != nil {
		logger.Fatal("Failed to read message", zap.Error(err))
	}

	// Wire up the pipeline
	lists, subs, err := factory.NewStoreFactory(cfg, logger).CreateStores()
	if err != nil {
		logger.Fatal("Failed to create stores", zap.Error(err))
	}
	keyringFactory := factory.NewKeyringFactory(cfg, logger)
	keyring, err := keyringFactory.CreateKeyringStore()
	if err != nil {
		logger.Fatal("Failed to open keyrings", zap.Error(err))
	}
	fetcher, err := keyringFactory.CreateKeyFetcher()
	if err != nil {
		logger.Fatal("Failed to create key fetcher", zap.Error(err))
	}
	transport, err := factory.NewTransportFactory(cfg, logger).CreateTransport()
	if err != nil {
		logger.Fatal("Failed to create transport", zap.Error(err))
	}

	sendTimeout, err := cfg.GetDuration("delivery.send_timeout")
	if err != nil {
		logger.Fatal("Invalid send timeout", zap.Error(err))
	}

	envelope := crypto.NewEnvelope(keyring, keyring, subs, logger)
	dist := distribution.NewEngine(envelope, keyring, subs, transport, logger,
		cfg.GetString("relay.superadmin"), cfg.GetInt("delivery.workers"), sendTimeout)
	handlers := command.NewHandlers(keyring, subs, fetcher, dist, logger)
	dispatcher := command.NewDispatcher(handlers, logger)
	p := pipeline.New(lists, envelope, dispatcher, dist, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := p.Run(ctx, raw, *recipient); err != nil {
		logger.Error("Processing failed", zap.Error(err))
		os.Exit(1)
	}
}

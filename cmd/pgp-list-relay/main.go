package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/adapters/ingress"
	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/di"
)

func main() {
	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	logger *zap.Logger,
	server *ingress.Server,
	lists core.ListStore,
) error {
	defer logger.Sync()

	// Start the inbound SMTP server
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start ingress server", zap.Error(err))
		return err
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop ingress server", zap.Error(err))
	}

	// Close any resources that need closing
	if closer, ok := lists.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close list store", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
	return nil
}

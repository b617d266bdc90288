// Package logging builds the zap loggers used across the relay. The
// daemon logs structured JSON or colorized console output depending on
// configuration; the list-msg tool defaults to console output so key
// fingerprints and addresses stay readable when run by hand.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikey/pgp-list-relay/internal/config"
)

// InitLogger builds the daemon logger from logging.level and
// logging.format. Unknown levels fall back to info rather than failing
// startup.
func InitLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.GetString("logging.level"))
	if err != nil {
		level = zapcore.InfoLevel
	}
	return build(level, cfg.GetString("logging.format") == "json")
}

// InitConsoleLogger builds the logger for the list-msg command-line
// tool, where verbosity comes from flags instead of the config file.
func InitConsoleLogger(verbose, jsonFormat bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	return build(level, jsonFormat)
}

func build(level zapcore.Level, json bool) (*zap.Logger, error) {
	var c zap.Config
	if json {
		c = zap.NewProductionConfig()
	} else {
		c = zap.NewDevelopmentConfig()
		c.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	c.Level = zap.NewAtomicLevelAt(level)

	logger, err := c.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

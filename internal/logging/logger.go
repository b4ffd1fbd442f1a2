// Package logging constructs the process-wide structured logger (A2): a
// single logrus.Logger built once at startup, with every subsystem pulling
// its own field-scoped child logger from it.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/chainkernel/pkg/config"
)

// New builds the process logger from cfg.Logging: a JSON formatter normally,
// a text formatter (with full timestamps) when level is "debug", and output
// directed to cfg.Logging.File when set, otherwise stderr.
func New(cfg config.Config) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(orDefault(cfg.Logging.Level, "info"))
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if level == logrus.DebugLevel {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		logger.SetOutput(f)
	}

	return logger, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Component returns a field-scoped child entry, the convention every
// subsystem uses to log: logging.Component(logger, "sandbox").
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

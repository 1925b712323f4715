// Package klog wraps logrus the way pkg/logger and infrastructure/logging
// do: a thin struct embedding *logrus.Logger, constructed from a small
// config, with structured fields attached per component rather than
// ad-hoc fmt.Sprintf calls.
package klog

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string // trace|debug|info|warn|error
	Format string // "json" or "text"
}

// DefaultConfig mirrors the stack's usual NewFromEnv defaults.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// Logger wraps logrus.Logger with a component name attached to every
// entry, the same shape as logging.Logger.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger for the given component name.
func New(component string, cfg Config) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.ToLower(cfg.Format) == "json" {
		base.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, component: component}
}

// NewFromEnv reads LOG_LEVEL/LOG_FORMAT, defaulting to info/text.
func NewFromEnv(component string) *Logger {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		cfg.Format = v
	}
	return New(component, cfg)
}

// With returns an entry pre-populated with the component field plus the
// given fields, for call sites that want one-line structured logging.
func (l *Logger) With(fields logrus.Fields) *logrus.Entry {
	fields["component"] = l.component
	return l.WithFields(fields)
}

// Discard returns a Logger that drops everything, for tests.
func Discard() *Logger {
	base := logrus.New()
	base.SetOutput(nil)
	base.Out = discardWriter{}
	return &Logger{Logger: base, component: "test"}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

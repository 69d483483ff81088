// Package logging builds the root zerolog logger from configuration.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/filevault/internal/config"
	"github.com/example/filevault/internal/storage"
)

// Field names shared by every component.
const (
	FieldComponent = "component"
	FieldProvider  = storage.LogFieldProvider
	FieldRequestID = "request_id"
)

// New returns a logger writing to out, or stdout when out is nil. Unknown
// levels fall back to info.
func New(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Init builds the root logger and installs it as the zerolog global logger.
func Init(cfg config.LoggingConfig) zerolog.Logger {
	l := New(cfg, os.Stdout)
	log.Logger = l
	return l
}

// Component returns l tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

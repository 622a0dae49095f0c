// Package logger configures the zerolog logger shared by the plugin core.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level   string // debug, info, warn, error
	File    string // optional log file path
	Console bool   // enable console output
	Pretty  bool   // human-readable console format
}

// DefaultConfig returns the configuration used when the host provides none.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
		Pretty:  false,
	}
}

// New builds a zerolog.Logger from cfg. Unknown level strings fall back to
// info rather than failing; a missing output target defaults to stderr.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	if cfg.Console {
		var console io.Writer = os.Stderr
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
			}
		}
		writers = append(writers, console)
	}

	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("creating log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stderr
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nil
}

// Nop returns a logger that discards everything. Used as the default in
// constructors so components never need a nil check before logging.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Component derives a child logger tagged with a component name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}

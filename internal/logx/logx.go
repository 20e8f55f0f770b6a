// Package logx configures the process-wide structured logger.
//
// Every subsystem obtains a child logger via WithComponent so log lines can
// be filtered per subsystem (scheduler, pipeline, probe, ...).
package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for the global logger.
type Config struct {
	Level   string    // "debug", "info", ... (default: STREAMFLOW_LOG_LEVEL or info)
	Output  io.Writer // defaults to os.Stderr
	Console bool      // human-readable console output instead of JSON
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once. Later calls are no-ops.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		lv := cfg.Level
		if lv == "" {
			lv = os.Getenv("STREAMFLOW_LOG_LEVEL")
		}
		if lv != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(lv)); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		w := cfg.Output
		if w == nil {
			w = os.Stderr
		}
		if cfg.Console {
			w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
		}
		base = zerolog.New(w).With().
			Timestamp().
			Str("service", "streamflow").
			Logger()
	})
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	Configure(Config{})
	return base
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

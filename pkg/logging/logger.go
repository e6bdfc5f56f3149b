// Package logging initializes and hands out the process-wide zerolog
// instance every other package in this module logs through.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the global logger's level, format, and destination.
type Config struct {
	Level  string `long:"log-level" env:"LOG_LEVEL" description:"Log level (trace, debug, info, warn, error)" default:"info"`
	Format string `long:"log-format" env:"LOG_FORMAT" description:"Log format (console or json)" default:"console"`
	Output string `long:"log-output" env:"LOG_OUTPUT" description:"Log output (stdout, stderr, or a file path)" default:"stderr"`
}

// Setup configures the global zerolog logger. It is called once at process
// startup; every subsystem then derives a child logger from log.Logger via
// Component.
func Setup(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fallback := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			fallback.Error().Err(err).Str("path", cfg.Output).Msg("failed to open log file, falling back to stderr")
			writer = os.Stderr
		} else {
			writer = file
		}
	}

	if cfg.Format == "json" {
		log.Logger = zerolog.New(writer).With().Timestamp().Logger()
		return
	}

	consoleWriter := zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	if f, ok := writer.(*os.File); ok {
		if os.Getenv("NO_COLOR") != "" || !isTerminal(f) {
			consoleWriter.NoColor = true
		}
	}
	log.Logger = log.Output(consoleWriter)
}

// Component returns a child logger tagged with the subsystem name, e.g.
// "identity", "httpclient", "pairing", "registry", "session", "pacer".
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

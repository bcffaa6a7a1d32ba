package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/joshp123/gofan/internal/config"
)

// New builds the process logger and installs it as the zerolog global.
func New(cfg config.LoggingConfig, version string) zerolog.Logger {
	return NewWithWriter(cfg, version, os.Stdout)
}

func NewWithWriter(cfg config.LoggingConfig, version string, out io.Writer) zerolog.Logger {
	if strings.EqualFold(cfg.Format, "console") || strings.EqualFold(cfg.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "gofan").
		Str("version", version).
		Logger()
	log.Logger = logger

	if logger.GetLevel() == zerolog.DebugLevel {
		logger.Debug().Msg("log level set to DEBUG")
	}
	return logger
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

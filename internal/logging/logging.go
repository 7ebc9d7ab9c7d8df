// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kalambet/machinist/internal/config"
)

// ParseLevel maps a config level name to a slog.Level. Unknown names mean
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Setup installs the default logger: text on stderr and, when cfg.File is
// set, JSON into a size-rotated file. The returned function closes the file.
func Setup(cfg config.LogConfig) func() error {
	logger, closer := New(os.Stderr, cfg)
	slog.SetDefault(logger)
	return closer
}

// New builds the logger without installing it.
func New(stderr io.Writer, cfg config.LogConfig) (*slog.Logger, func() error) {
	level := ParseLevel(cfg.Level)
	text := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	if cfg.File == "" {
		return slog.New(text), func() error { return nil }
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	}
	file := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(text, file)), rotator.Close
}

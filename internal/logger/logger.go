package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Level  string
	Format string
	Output string
}

// NewLogger builds a slog logger from cfg. A non-nil w overrides cfg.Output.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		switch strings.ToLower(cfg.Output) {
		case "stderr":
			w = os.Stderr
		default:
			w = os.Stdout
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options selects log level, console format and an optional rotating log file.
type Options struct {
	Level  string
	Format string // text or json
	File   string
}

// New builds a logger writing to stderr and, if opts.File is set, a JSON copy to a rotating file.
// The returned function closes the file.
func New(opts Options) (*slog.Logger, func() error) {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	console := consoleHandler(os.Stderr, opts.Format, handlerOpts)

	if opts.File == "" {
		return slog.New(console), func() error { return nil }
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	fileHandler := slog.NewJSONHandler(file, handlerOpts)
	return slog.New(slogmulti.Fanout(console, fileHandler)), file.Close
}

// NewWithWriters builds a fanout logger over custom writers (for testing).
func NewWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(console, handlerOpts),
		slog.NewJSONHandler(file, handlerOpts),
	))
}

func consoleHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Config selects the handler, level and destination of a Logger
type Config struct {
	Level      string // debug, info, warn, error; offsets such as "info+2" are accepted
	Format     string // json or console
	Output     string // stdout, stderr, or a file path
	AddSource  bool
	TimeFormat string // console only
	Service    string // attached to every record when set

	// writer replaces Output in tests
	writer io.Writer
}

// Logger is a slog.Logger that owns its output file, if any
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a Logger from config. Console output is colored only when it
// goes to a terminal.
func New(config *Config) (*Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	w, file, err := resolveOutput(config)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "console", "text", "":
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  config.AddSource,
			TimeFormat: timeFormat,
			NoColor:    !isTerminal(w),
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: config.AddSource})
	default:
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	l := slog.New(handler)
	if config.Service != "" {
		l = l.With(slog.String("service", config.Service))
	}
	return &Logger{Logger: l, file: file}, nil
}

// ParseLevel maps a configured level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func resolveOutput(config *Config) (io.Writer, *os.File, error) {
	if config.writer != nil {
		return config.writer, nil, nil
	}
	switch config.Output {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// Close releases the log file opened for a file Output
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// NewDiscard returns a Logger that drops every record
func NewDiscard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

package observe

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the process logger: human-readable text on stderr and,
// when logFile is non-empty, JSON lines appended to that file. The returned
// close function releases the file and is never nil.
func NewLogger(stderr io.Writer, level slog.Level, logFile string) (*slog.Logger, func() error, error) {
	text := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(text), func() error { return nil }, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return slog.New(text), func() error { return nil }, fmt.Errorf("observe: open log file: %w", err)
	}
	return NewFanoutLogger(stderr, f, level), f.Close, nil
}

// NewFanoutLogger writes text to console and JSON to file.
func NewFanoutLogger(console, file io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))
}

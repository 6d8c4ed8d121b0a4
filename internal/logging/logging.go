package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/farmsync/internal/utils"
	"gopkg.in/natefinch/lumberjack.v2"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	Level string
	// File is the log file; empty disables file logging.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console receives colored output. Defaults to stderr.
	Console io.Writer
	// Quiet drops the console handler, e.g. for commands that print machine readable output.
	Quiet bool
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// Setup builds the process logger and installs it as slog's default.
// The returned closer flushes and closes the log file.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if opts.Level != "" {
		var err error
		if level, err = ParseLevel(opts.Level); err != nil {
			return nil, nil, err
		}
	}

	var handlers []slog.Handler
	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		handlers = append(handlers, tint.NewHandler(console, &tint.Options{
			Level:      level,
			TimeFormat: consoleTimeFormat,
			NoColor:    !isTerminal(console),
		}))
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := utils.EnsureParent(opts.File); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		closer = rotating
		// the file always gets debug detail
		handlers = append(handlers, slog.NewTextHandler(rotating, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	var logger *slog.Logger
	switch len(handlers) {
	case 0:
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	case 1:
		logger = slog.New(handlers[0])
	default:
		logger = slog.New(NewMultiHandler(handlers...))
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

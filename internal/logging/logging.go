// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // console or json
	// File, when set, receives a JSON copy of every log line with rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing to w (usually stderr).
func New(opts Options, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parsing log level %q: %w", opts.Level, err)
		}
		level = l
	}

	var out io.Writer
	switch opts.Format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "json":
		out = w
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		})
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Stderr is New writing to os.Stderr.
func Stderr(opts Options) (zerolog.Logger, error) {
	return New(opts, os.Stderr)
}

// Component returns a child logger tagged with a component name.
func Component(l *zerolog.Logger, name string) *zerolog.Logger {
	child := l.With().Str("component", name).Logger()
	return &child
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

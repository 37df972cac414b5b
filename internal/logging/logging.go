// Package logging builds the process logger and masks personal data in
// log fields.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the level and output format of the root logger.
type Options struct {
	Level    string
	Format   string
	Sanitize bool
}

// New builds the root logger. Format "json" writes one JSON object per line,
// anything else writes human-readable console output.
func New(w io.Writer, opts Options) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	if opts.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	sanitize = opts.Sanitize
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

var sanitize = true

// Addr returns addr masked when sanitizing is enabled.
func Addr(addr string) string {
	if !sanitize {
		return addr
	}
	return MaskEmail(addr)
}

// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level  string `mapstructure:"log-level" yaml:"log-level"`
	Format string `mapstructure:"log-format" yaml:"log-format"`
	File   string `mapstructure:"log-file" yaml:"log-file,omitempty"`
}

// Init installs the global logger. It returns a closer for the log file, if
// one was opened.
func Init(s Settings) (io.Closer, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if s.File != "" {
		f, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", s.File)
		}
		out, closer = f, f
	}

	switch strings.ToLower(s.Format) {
	case "", "text":
		noColor := s.File != "" || !isatty.IsTerminal(os.Stderr.Fd())
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: noColor}
	case "json":
	default:
		_ = closer.Close()
		return nil, errors.Errorf("unknown log format %q", s.Format)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package config

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger described by l
func (l LoggingConfig) NewLogger(out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if l.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

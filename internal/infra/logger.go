package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so packages can accept a logger without
// importing zerolog themselves.
type Logger = zerolog.Logger

// NewLogger writes JSON to stdout at info level. Development switches to the
// console writer at debug level.
func NewLogger(appEnv string) Logger {
	return newLogger(os.Stdout, appEnv)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func newLogger(out io.Writer, appEnv string) Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "aipics").
		Logger()
}

package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so packages can take a logger without
// importing zerolog themselves.
type Logger = zerolog.Logger

// New builds the process logger. Development gets console output at debug level.
func New(appEnv string) Logger {
	return NewTo(os.Stdout, appEnv)
}

// NewTo is New writing to w; the CLI logs to stderr so stdout stays JSON.
func NewTo(w io.Writer, appEnv string) Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()

	if appEnv == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger
}

// Nop discards everything; used when a caller passes no logger.
func Nop() Logger {
	return zerolog.New(io.Discard)
}

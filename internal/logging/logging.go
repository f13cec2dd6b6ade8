package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Init configures the global log level and output format from environment
// variables (LOG_LEVEL, LOG_FORMAT). Call once at startup.
func Init() {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// New returns a logger tagged with the given component name.
// LOG_FORMAT=console switches to human-readable output for local runs.
func New(component string) zerolog.Logger {
	var logger zerolog.Logger
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Str("component", component).Logger()
}

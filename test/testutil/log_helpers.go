package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// QuietLogs raises the global log level for the duration of a test. Setting
// LOG_LEVEL in the environment overrides level.
func QuietLogs(t *testing.T, level zerolog.Level) {
	t.Helper()
	prevLevel := zerolog.GlobalLevel()
	prevLogger := log.Logger

	zerolog.SetGlobalLevel(ParseLogLevel(level))
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()

	t.Cleanup(func() {
		zerolog.SetGlobalLevel(prevLevel)
		log.Logger = prevLogger
	})
}

// ParseLogLevel parses log level from environment variable or returns default
func ParseLogLevel(defaultLevel zerolog.Level) zerolog.Level {
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		return defaultLevel
	}

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return defaultLevel
	}
	return level
}

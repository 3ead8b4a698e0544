package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a component-scoped logger. Level falls back to info when the
// provided value does not parse.
func New(component, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out = zerolog.New(os.Stderr)
	if os.Getenv("ENVIRONMENT") != "production" {
		out = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	return out.Level(lvl).With().
		Timestamp().
		Str("component", component).
		Logger()
}

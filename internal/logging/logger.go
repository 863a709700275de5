// Package logging wires the gateway's zerolog logger, including the
// per-child sub-loggers used by the supervisor and the request-scoped
// logger used by the HTTP front end.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. level accepts zerolog level names
// ("debug", "info", "warn", "error"); an unrecognized or empty level
// falls back to "info".
func New(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(parsed).With().Timestamp().Logger()
}

// ForChild returns a sub-logger tagged with the child's identity
// (child_id and child_name).
func ForChild(base zerolog.Logger, childID, childName string) zerolog.Logger {
	return base.With().Str("child_id", childID).Str("child_name", childName).Logger()
}

// ForRequest returns a sub-logger tagged with an HTTP session id
// (session_id).
func ForRequest(base zerolog.Logger, sessionID string) zerolog.Logger {
	return base.With().Str("session_id", sessionID).Logger()
}

// Discard is a logger that writes nowhere, useful in tests.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

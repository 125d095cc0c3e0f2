package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// TokenPrefix returns a short, log-safe prefix of a secret value so log
// lines can be correlated without exposing the secret itself.
func TokenPrefix(secret string) string {
	const keep = 8
	if len(secret) <= keep {
		return strings.Repeat("*", len(secret))
	}

	return secret[:keep] + "..."
}

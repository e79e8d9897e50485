// Package logging provides the process-wide structured logger.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	base zerolog.Logger
	mu   sync.Mutex
)

func init() {
	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("INBOXID_LOG")); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	base = zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a logger tagged with a "component" field, mirroring
// the convention used throughout the sync engine: every subsystem fetches
// its own named logger rather than passing one down through every call.
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", name).Logger()
}

// SetLevel overrides the process-wide minimum log level at runtime.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(level)
}

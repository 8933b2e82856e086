// Package observ provides structured logging and metrics for the whole
// process behind a deliberately small API: packages call Log/IncCounter/
// SetGauge/Observe and never touch the underlying backends directly.
package observ

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout, zerolog.InfoLevel)
)

func newLogger(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "event"
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// InitLogging reconfigures the process logger. Called once from main before
// any goroutine starts; level is one of debug/info/warn/error.
func InitLogging(level string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logMu.Lock()
	logger = newLogger(w, lvl)
	logMu.Unlock()
}

// Log emits one JSON line with the event name and key/value context.
func Log(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Info().Fields(kv).Msg(event)
}

// Debug is Log at debug severity; dropped unless the level allows it.
func Debug(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Debug().Fields(kv).Msg(event)
}

// Warn emits a warning-severity event.
func Warn(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Warn().Fields(kv).Msg(event)
}

// Error emits an error-severity event with the error attached.
func Error(event string, err error, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Error().Err(err).Fields(kv).Msg(event)
}

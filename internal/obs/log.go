package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   = newJSONLogger(os.Stdout, slog.LevelInfo)
)

// Logger returns the shared structured logger used across services.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Configure replaces the shared logger with a JSON logger writing to w at the
// given level and tags every entry with the service name.
func Configure(w io.Writer, service, level string) *slog.Logger {
	l := newJSONLogger(w, ParseLevel(level))
	if service = strings.TrimSpace(service); service != "" {
		l = l.With("service", service)
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	slog.SetDefault(l)
	return l
}

// SetOutput redirects the shared logger and returns a function restoring the
// previous one. Intended for tests capturing log lines.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	prev := logger
	logger = newJSONLogger(w, slog.LevelDebug)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// ParseLevel maps a textual level to slog; unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRequest emits one access log entry with the common HTTP fields.
func LogRequest(attrs ...any) {
	Logger().Info("request_complete", attrs...)
}

func newJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

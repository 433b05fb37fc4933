package obs

import (
	"log/slog"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	})
	return logger
}

// SetLogger replaces the shared logger. Tests use this to capture output.
func SetLogger(l *slog.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}

// SecurityEvent emits a structured security log line. Anomalies are logged
// here even when the request itself is allowed to proceed.
func SecurityEvent(event string, args ...any) {
	Logger().Warn("security event", append([]any{"event", event}, args...)...)
}

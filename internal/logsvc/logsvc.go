// Package logsvc writes through the standard logger and, when a token is
// configured, forwards errors to rollbar.
package logsvc

import (
	"log"

	"github.com/rollbar/rollbar-go"
)

// Logger prints every entry and mirrors errors to rollbar when enabled.
type Logger struct {
	std     *log.Logger
	enabled bool
}

// New configures the rollbar client. A blank token keeps reporting local.
func New(std *log.Logger, token, env string) *Logger {
	if std == nil {
		std = log.Default()
	}
	l := &Logger{std: std, enabled: token != ""}
	rollbar.SetEnabled(l.enabled)
	if l.enabled {
		rollbar.SetToken(token)
		rollbar.SetEnvironment(env)
	}
	return l
}

// Printf logs locally only.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.std.Printf(format, args...)
}

// Error logs err and reports it at error level.
func (l *Logger) Error(msg string, err error, fields map[string]interface{}) {
	l.std.Printf("%s: %v %v", msg, err, fields)
	if l.enabled {
		rollbar.Error(err, msg, fields)
	}
}

// Critical is for broken invariants: something that must never happen did.
func (l *Logger) Critical(msg string, err error, fields map[string]interface{}) {
	l.std.Printf("CRITICAL %s: %v %v", msg, err, fields)
	if l.enabled {
		rollbar.Critical(err, msg, fields)
	}
}

// Close flushes queued reports.
func (l *Logger) Close() {
	if l.enabled {
		rollbar.Wait()
	}
}

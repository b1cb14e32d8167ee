package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

var (
	// base is the process-wide logrus instance shared by every Logger
	base *logrus.Logger
	once sync.Once
)

// Logger wraps logrus with an origin prefix ("local" or a host alias)
// and color support
type Logger struct {
	entry  *logrus.Entry
	origin string
	cyan   *color.Color
	yellow *color.Color
	red    *color.Color
}

// New returns the root logger. The underlying logrus instance is created once.
func New() *Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006/01/02 15:04:05",
			FullTimestamp:   true,
			ForceColors:     true,
			DisableSorting:  true,
		})
		base.SetOutput(os.Stderr)

		// Set log level based on environment variable
		if os.Getenv("DEBUG") == "true" {
			base.SetLevel(logrus.DebugLevel)
		} else {
			base.SetLevel(logrus.InfoLevel)
		}
	})
	return &Logger{
		entry:  logrus.NewEntry(base),
		cyan:   color.New(color.FgCyan),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
	}
}

// Discard returns a logger that writes nowhere. Used by tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{
		entry:  logrus.NewEntry(l),
		cyan:   color.New(color.FgCyan),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
	}
}

// SetDebug switches the shared logger between debug and info level
func (l *Logger) SetDebug(enabled bool) {
	if enabled {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
		return
	}
	l.entry.Logger.SetLevel(logrus.InfoLevel)
}

// WithOrigin returns a logger whose lines are prefixed with the given origin label
func (l *Logger) WithOrigin(origin string) *Logger {
	c := *l
	c.origin = origin
	return &c
}

// WithField returns a logger carrying an extra structured field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	c := *l
	c.entry = l.entry.WithField(key, value)
	return &c
}

// Origin returns the origin label, empty for the root logger
func (l *Logger) Origin() string {
	return l.origin
}

func (l *Logger) format(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if l.origin == "" {
		return msg
	}
	return l.cyan.Sprintf("[%s]", l.origin) + " " + msg
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.entry.Debug(l.format(format, args...))
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.entry.Info(l.format(format, args...))
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.entry.Warn(l.yellow.Sprint(l.format(format, args...)))
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.entry.Error(l.red.Sprint(l.format(format, args...)))
}

// IsDebugEnabled returns whether debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.entry.Logger.GetLevel() == logrus.DebugLevel
}

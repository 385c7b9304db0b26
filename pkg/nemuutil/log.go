// Package nemuutil provides logging, error types, and process-wide settings
// shared by every other nemu package.
package nemuutil

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Every package logs through it rather
// than constructing its own, so a single SetLogLevel/SetJSONFormat call
// affects the whole process (and, after fork, the slave).
var Logger = logrus.New()

var loggerPid = os.Getpid()
var loggerMu sync.Mutex

func init() {
	initLogger()
}

func initLogger() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// ReinitIfForked resets the logger's formatter/output when the process pid
// has changed since the logger was last configured. The slave server must
// call this right after unshare+fork so its log lines are never
// misattributed to the parent's stream state (e.g. a buffered os.Stderr
// duplicated across fork).
func ReinitIfForked() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	pid := os.Getpid()
	if pid == loggerPid {
		return
	}
	loggerPid = pid
	initLogger()
}

// SetLogLevel sets the logging level by name ("debug", "info", "warn", ...).
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput sets the log output destination.
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches the logger to JSON output, for log lines meant to
// be parsed by another process.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns a logger entry with a single field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger entry with multiple fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithNode returns a logger entry tagged with the owning node's name.
func WithNode(name string) *logrus.Entry {
	return Logger.WithField("node", name)
}

// WithInterface returns a logger entry tagged with an interface name.
func WithInterface(name string) *logrus.Entry {
	return Logger.WithField("interface", name)
}

package observability

import "github.com/sirupsen/logrus"

// Logger is the structured logging surface the services and workers depend
// on. Fields added with WithField accumulate along the chain, so a handler
// can stamp the request id once and every downstream line carries it.
type Logger interface {
	Info(args ...interface{})
	Error(args ...interface{})
	Debug(args ...interface{})
	Warn(args ...interface{})
	WithField(key string, value interface{}) Logger
}

type jsonLogger struct {
	entry *logrus.Entry
}

// NewLogger returns a JSON logger writing to stderr. One instance is shared
// per process; per-request and per-entity fields branch off via WithField.
func NewLogger() Logger {
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	return &jsonLogger{entry: logrus.NewEntry(base)}
}

func (l *jsonLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *jsonLogger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *jsonLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *jsonLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }

func (l *jsonLogger) WithField(key string, value interface{}) Logger {
	return &jsonLogger{entry: l.entry.WithField(key, value)}
}

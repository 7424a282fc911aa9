// Package telemetry wraps the logrus and prometheus conventions shared
// by every binary in this module.
package telemetry

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry so every component logs with the same
// field names (component, tenant_id, instance_id).
type Logger struct {
	entry *logrus.Entry
}

// NewLogger builds the root logger for a component. In production
// (RUNTARA_LOG_FORMAT=json, the default) it emits structured JSON;
// set RUNTARA_LOG_FORMAT=text for local development.
func NewLogger(component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	if os.Getenv("RUNTARA_LOG_FORMAT") == "text" {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("RUNTARA_LOG_LEVEL")); err == nil {
		base.SetLevel(lvl)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
	return &Logger{entry: base.WithField("component", component)}
}

func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

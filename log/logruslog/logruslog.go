// Package logruslog adapts a logrus entry to memocache.Logger.
package logruslog

import (
	"github.com/sirupsen/logrus"

	"github.com/goforj/memocache"
)

type Logger struct {
	E *logrus.Entry
}

// New wraps l, tagging every line with component=memocache.
func New(l logrus.FieldLogger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return Logger{E: l.WithField("component", "memocache")}
}

func (l Logger) Debug(msg string, f memocache.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f memocache.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f memocache.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f memocache.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }

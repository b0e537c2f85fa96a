// Package zaplog adapts a *zap.Logger to memocache.Logger.
package zaplog

import (
	"sort"

	"go.uber.org/zap"

	"github.com/goforj/memocache"
)

// Logger forwards memocache log lines to zap.
type Logger struct {
	L *zap.Logger
}

// New wraps l; a nil l yields a no-op zap logger.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.With(zap.String("component", "memocache"))}
}

func (z Logger) Debug(msg string, f memocache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f memocache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f memocache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f memocache.Fields) { z.L.Error(msg, fields(f)...) }

// fields emits keys in sorted order so output is stable.
func fields(f memocache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

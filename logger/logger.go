// Package logger is the framework-local logging surface, backed by zap.
// Components obtain a named logger once at construction and keep it.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.Mutex
	base  *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func root() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = level
		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	}
	return base
}

// New returns a named sugared logger for one component.
func New(name string) *zap.SugaredLogger {
	return root().Named(name).Sugar()
}

// SetLevel changes the level of all loggers handed out by New.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Replace swaps the backing logger, mostly for embedding applications.
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

// Package logging provides named loggers for the library packages.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.Mutex
	root *zap.Logger
)

// SetLogger replaces the root logger. Call it before the library is used;
// loggers obtained earlier keep the previous root.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

// MustGetLogger returns a named sugared logger backed by the root logger.
// The default root is a production logger writing to stderr.
func MustGetLogger(name string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		l, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		root = l
	}
	return root.Named(name).Sugar()
}

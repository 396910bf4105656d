// Package logger provides named loggers for zest subsystems.
package logger

import (
	"os"

	"github.com/cenkalti/log"
)

// Logger is the interface used by all zest packages.
type Logger interface {
	log.Logger
}

var handler *log.WriterHandler

func init() {
	handler = log.NewWriterHandler(os.Stderr)
	handler.SetLevel(log.INFO)
}

// New returns a named logger. Names follow the subsystem, e.g.
// "seeder", "peer -> 10.0.0.7:6881".
func New(name string) Logger {
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG)
	l.SetHandler(handler)
	return l
}

// SetDebug enables debug-level output globally.
func SetDebug() {
	handler.SetLevel(log.DEBUG)
}

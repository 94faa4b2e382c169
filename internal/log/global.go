package log

import "sync"

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// SetDefaultLogger installs the process-wide logger. Commands call it
// once after loading config; everything downstream reads it through
// DefaultLogger.
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// DefaultLogger returns the process-wide logger, lazily creating one
// with default settings when nothing was installed yet.
func DefaultLogger() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	l = Default()
	SetDefaultLogger(l)
	return l
}

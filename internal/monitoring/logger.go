package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	debugMu     sync.RWMutex
	debugLogger *log.Logger
)

// SetDebugLogger enables verbose per-frame logging to w. Passing nil
// disables it. Debug output is off by default because the frame path logs
// at up to 60 lines per second per stream.
func SetDebugLogger(w io.Writer) {
	debugMu.Lock()
	defer debugMu.Unlock()
	if w == nil {
		debugLogger = nil
		return
	}
	debugLogger = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

// Debugf writes to the debug logger when one is configured.
func Debugf(format string, v ...interface{}) {
	debugMu.RLock()
	l := debugLogger
	debugMu.RUnlock()
	if l != nil {
		l.Printf(format, v...)
	}
}

// DebugEnabled reports whether a debug logger is configured, so hot paths
// can skip formatting arguments.
func DebugEnabled() bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debugLogger != nil
}

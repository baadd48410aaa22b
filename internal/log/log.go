// Package log is the process-wide logger for hashqueue and its tools.
//
// Everything goes through a single standard library logger. Library code logs
// only at the verbose level, which is off until [EnableVerbose] is called.
package log

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	verbose atomic.Bool
	logger  atomic.Pointer[log.Logger]
)

func init() {
	SetOutput(os.Stderr)
}

// EnableVerbose enables the printing of verbose logs.
func EnableVerbose() {
	verbose.Store(true)
}

// Verbose reports whether verbose logging is enabled.
func Verbose() bool {
	return verbose.Load()
}

// SetOutput directs all future logs to w.
func SetOutput(w io.Writer) {
	logger.Store(log.New(w, "", log.LstdFlags))
}

// Printf logs regardless of whether verbose logging is enabled.
func Printf(format string, v ...any) {
	logger.Load().Printf(format, v...)
}

// Verbosef logs only if verbose logging is enabled.
func Verbosef(format string, v ...any) {
	if verbose.Load() {
		logger.Load().Printf(format, v...)
	}
}

// Fatalf logs and then exits the process with status 1.
func Fatalf(format string, v ...any) {
	logger.Load().Fatalf(format, v...)
}

// Package monitoring provides the package-level diagnostic loggers used
// across the census pipeline.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or tools can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Tracef is the high-volume per-cycle logger. It is a no-op by default so
// steady-state runs stay quiet; SetTrace(true) routes it through Logf.
var Tracef func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetTrace enables or disables per-cycle trace logging.
func SetTrace(enabled bool) {
	if enabled {
		Tracef = func(format string, v ...interface{}) { Logf(format, v...) }
		return
	}
	Tracef = func(string, ...interface{}) {}
}

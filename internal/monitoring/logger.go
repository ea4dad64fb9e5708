// Package monitoring carries the diagnostic logger shared by the training
// and generation tooling. Long runs emit a steady stream of progress lines;
// routing them through one replaceable function lets tests mute them and
// embedding callers redirect them.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf
// and may be replaced with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger, silencing all diagnostics.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Package telemetry provides the process's three-tier ops/diag/trace
// logging streams: every stream is a plain *log.Logger and a nil
// writer disables that stream entirely.
package telemetry

import (
	"io"
	"log"
)

var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams. Pass nil for any
// writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger("[rdcounter] ", ops)
	diagLogger = newLogger("[rdcounter] ", diag)
	traceLogger = newLogger("[rdcounter] ", trace)
}

// SetLegacyLogger routes all three streams to a single writer.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(w, w, w)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Ops logs actionable warnings: detector/store failures, reconnect
// exhaustion, watchdog force-unblocks.
func Ops(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// Diag logs day-to-day diagnostics: job lifecycle transitions, control
// messages observed.
func Diag(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// Trace logs high-frequency per-frame telemetry. Off by default.
func Trace(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}

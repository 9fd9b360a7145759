// Package goroutine contains helpers for background goroutines.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"lookout/metrics"

	"go.uber.org/zap"
)

// StackTraceBufferSize is the buffer size for stack trace collection.
const StackTraceBufferSize = 4096

// Recover recovers from a panic in a goroutine, logs it with a stack trace
// and counts it. Use it as `defer goroutine.Recover("name", logger)`.
// With a nil logger the panic is written to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		report(name, logger, r)
	}
}

// RecoverWith behaves like Recover and additionally hands the panic value to
// onPanic, so callers can fail the unit of work that panicked.
func RecoverWith(name string, logger *zap.SugaredLogger, onPanic func(v any)) {
	if r := recover(); r != nil {
		report(name, logger, r)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

func report(name string, logger *zap.SugaredLogger, r any) {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)
	metrics.PanicsRecovered.WithLabelValues(name).Inc()

	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
		return
	}
	logger.Errorw("Goroutine panic recovered",
		"goroutine", name,
		"panic", r,
		"stack", string(buf[:n]))
}

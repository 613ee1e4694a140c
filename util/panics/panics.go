// Package panics provides wrappers that log panics from library goroutines
// before letting the process crash with the original stack.
package panics

import (
	"runtime/debug"
	"time"

	"github.com/btcsuite/btclog"
)

// HandlePanic recovers a panic, writes the panic value and both the panicking
// goroutine's stack and the stack of its spawner to the log, and then
// re-raises the panic so the process fails loudly. It is meant to be deferred
// at the top of every goroutine the library starts.
//
// The logger is fetched through a function so callers may swap loggers after
// the goroutine was spawned.
func HandlePanic(logFn func() btclog.Logger, goroutineStackTrace []byte) {
	err := recover()
	if err == nil {
		return
	}

	log := logFn()
	log.Criticalf("Fatal error: %+v", err)
	if goroutineStackTrace != nil {
		log.Criticalf("Goroutine stack trace: %s", goroutineStackTrace)
	}
	log.Criticalf("Stack trace: %s", debug.Stack())
	panic(err)
}

// GoroutineWrapperFunc returns a goroutine wrapper function that handles
// panics and writes them to the given logger.
func GoroutineWrapperFunc(log btclog.Logger) func(func()) {
	return func(f func()) {
		stackTrace := debug.Stack()
		go func() {
			defer HandlePanic(func() btclog.Logger { return log }, stackTrace)
			f()
		}()
	}
}

// AfterFuncWrapperFunc returns a time.AfterFunc wrapper function that handles
// panics.
func AfterFuncWrapperFunc(log btclog.Logger) func(d time.Duration, f func()) *time.Timer {
	return func(d time.Duration, f func()) *time.Timer {
		stackTrace := debug.Stack()
		return time.AfterFunc(d, func() {
			defer HandlePanic(func() btclog.Logger { return log }, stackTrace)
			f()
		})
	}
}

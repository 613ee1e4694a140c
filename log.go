package btcnet

import (
	"runtime/debug"

	"github.com/btcsuite/btclog"

	"github.com/NirvanaNimbusa/libbtcnet/util/panics"
)

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

func init() {
	DisableLog()
}

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// spawn runs f on a new goroutine, logging any panic before crashing. The
// current logger is looked up at panic time so UseLogger takes effect for
// goroutines spawned earlier.
func spawn(f func()) {
	stackTrace := debug.Stack()
	go func() {
		defer panics.HandlePanic(func() btclog.Logger { return log }, stackTrace)
		f()
	}()
}

// Package logging wires the zerolog-backed component loggers used across
// the scheduler and registry packages. It replaces the teacher's
// kernel/utils.Logger, which shelled out to the JS console and cannot run
// on a native host.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	base    = zerolog.New(defaultWriter()).With().Timestamp().Logger()
	initted bool
)

func defaultWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

// SetLevel sets the minimum level for all loggers produced by For.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(level)
	zerolog.SetGlobalLevel(level)
	initted = true
}

// SetOutput redirects the destination of loggers that For returns after
// the call. Loggers obtained earlier, including the package-level
// component loggers, keep writing to their original destination.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Output(w)
}

// For returns a logger scoped to component, matching the teacher's
// one-logger-per-subsystem convention (scheduler, registry, loadingset...).
func For(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", component).Logger()
}

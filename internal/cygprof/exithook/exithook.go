// Package exithook runs a shutdown callback when the process receives a
// termination signal.
//
// Go has no atexit: a normal return from main.main is covered by the
// deferred Fini that the instrumenter injects, but SIGINT/SIGTERM kill a
// program without signal handlers before that defer runs. Handling is opt-in
// through CYGPROF_SIGNALS because subscribing to a signal changes how the
// traced program reacts to it:
//
//   - Flush writes the trace and leaves the signal to the program. Use it when
//     the program handles the signal itself and shuts down on its own.
//   - Terminate writes the trace, unsubscribes and re-sends the signal. Use it
//     when the program has no handler and would otherwise just die.
//
// Signals ignored at startup (nohup, SIG_IGN inherited from the parent) are
// never watched, and the program's own signal.Notify subscriptions are never
// touched.
//
// Neither os.Exit nor SIGKILL can be intercepted; events are lost in both cases.
package exithook

import (
	"os"
	"os/signal"
	"sync"

	"github.com/kolkov/cygprof/internal/cygprof/config"
)

// Mode is the action taken after the callback has run.
type Mode int

const (
	// Flush only runs the callback.
	Flush Mode = iota
	// Terminate runs the callback and then re-raises the signal.
	Terminate
)

// Hook is an installed shutdown callback.
type Hook struct {
	mode Mode
	sigs []os.Signal // Watched signals, ignored ones excluded
	ch   chan os.Signal
	stop chan struct{}
	once *sync.Once
	fn   func()
	done chan struct{}
}

// raise re-delivers sig to the current process. Replaced in tests.
var raise = raiseSignal

// Install registers fn to run once when one of sigs arrives. With no sigs the
// platform default set is used (SIGINT, SIGTERM, plus SIGHUP on unix).
func Install(fn func(), mode Mode, sigs ...os.Signal) *Hook {
	if len(sigs) == 0 {
		sigs = defaultSignals()
	}

	h := &Hook{
		mode: mode,
		ch:   make(chan os.Signal, 1),
		stop: make(chan struct{}),
		once: &sync.Once{},
		fn:   fn,
		done: make(chan struct{}),
	}
	for _, sig := range sigs {
		// Notify would un-ignore it.
		if !signal.Ignored(sig) {
			h.sigs = append(h.sigs, sig)
		}
	}
	if len(h.sigs) > 0 {
		signal.Notify(h.ch, h.sigs...)
	}

	go h.wait()
	return h
}

// ForMode installs fn for the given configuration mode. SignalsOff installs
// nothing and returns nil.
func ForMode(mode config.SignalMode, fn func()) *Hook {
	switch mode {
	case config.SignalsFlush:
		return Install(fn, Flush)
	case config.SignalsExit:
		return Install(fn, Terminate)
	default:
		return nil
	}
}

// Register adapts ForMode to the recorder's shutdown hook signature.
func Register(cfg config.Config, finalize func()) {
	ForMode(cfg.Signals, finalize)
}

// Signals returns the signals actually watched.
func (h *Hook) Signals() []os.Signal {
	return h.sigs
}

func (h *Hook) wait() {
	defer close(h.done)

	select {
	case sig := <-h.ch:
		h.handle(sig)
	case <-h.stop:
	}
}

// handle runs the callback and, in Terminate mode, re-sends sig. Stopping our
// channel restores the default action only if no other subscriber remains.
func (h *Hook) handle(sig os.Signal) {
	h.Run()

	signal.Stop(h.ch)
	if h.mode == Terminate {
		raise(sig)
	}
}

// Run executes the callback if it has not run yet.
func (h *Hook) Run() {
	h.once.Do(func() {
		if h.fn != nil {
			h.fn()
		}
	})
}

// Stop unregisters the signal handler without running the callback.
func (h *Hook) Stop() {
	signal.Stop(h.ch)
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

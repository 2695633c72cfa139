// Package lifecycle implements the one-time initialization controller.
//
// The first hook call of the process triggers initialization (configuration,
// buffer reservation, shutdown hook registration). Hooks can fire from any
// number of goroutines at once, so exactly one caller must do the work and
// nobody may append before it is done.
//
// State machine (terminal at Ready):
//
//	Uninitialized --CAS--> Initializing --publish--> Ready
//
// The goroutine that wins the compare-and-swap runs the init function and then
// publishes Ready by closing a channel. Callers that lose the race park on that
// channel until Ready. Once Ready, Ensure is a single atomic load.
package lifecycle

import "sync/atomic"

// State is the controller state.
type State int32

const (
	// Uninitialized means no caller has started initialization.
	Uninitialized State = iota
	// Initializing means the winning caller is running the init function.
	Initializing
	// Ready means initialization finished. Terminal.
	Ready
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Controller runs an initialization function exactly once.
//
// The zero Controller is not usable; use New.
//
// Thread Safety: Ensure is safe for concurrent calls. The init function must
// not call Ensure on the same controller (it would park on itself).
type Controller struct {
	state atomic.Int32
	ready chan struct{}
}

// New creates a controller in the Uninitialized state.
func New() *Controller {
	return &Controller{ready: make(chan struct{})}
}

// Ensure runs init if no caller has done so yet and returns true for the
// caller that ran it.
//
// Every caller returns only after init has completed. If init panics the
// controller still becomes Ready so that callers are not parked forever.
func (c *Controller) Ensure(init func()) bool {
	// Fast path: already initialized.
	if State(c.state.Load()) == Ready {
		return false
	}

	if !c.state.CompareAndSwap(int32(Uninitialized), int32(Initializing)) {
		// Another goroutine won; wait for it to publish Ready.
		<-c.ready
		return false
	}

	defer func() {
		c.state.Store(int32(Ready))
		close(c.ready)
	}()

	if init != nil {
		init()
	}
	return true
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// IsReady reports whether initialization has completed.
func (c *Controller) IsReady() bool {
	return c.State() == Ready
}

// Done returns a channel that is closed once the controller is Ready.
func (c *Controller) Done() <-chan struct{} {
	return c.ready
}

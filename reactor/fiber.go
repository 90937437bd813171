package reactor

import (
	"container/list"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FiberState is the lifecycle state of a Fiber.
type FiberState int32

const (
	FiberReady FiberState = iota
	FiberRunning
	FiberWaiting
	FiberTerminated
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "ready"
	case FiberRunning:
		return "running"
	case FiberWaiting:
		return "waiting"
	case FiberTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// fiberResume is the value handed back to a parked fiber goroutine when
// the dispatcher gives it the baton again; Value/Err carry the result of
// whatever it suspended on (an I/O completion, a channel push/pop, a
// timer firing with ErrCancelled, ...).
type fiberResume struct {
	Value interface{}
	Err   error
}

// FiberFunc is the body of a fiber. ctx is only valid for the duration of
// the call and must not be retained past return.
type FiberFunc func(ctx *Fiber) (interface{}, error)

// Fiber is a cooperatively scheduled user-space task with its own Go
// goroutine, parked on resumeC whenever it does not hold this reactor's
// baton. Only one fiber's goroutine is ever unblocked at a time per
// reactor, which is what gives the runtime its non-preemptive semantics
// and lets per-reactor state go unlocked (data-race freedom by
// partitioning, not locking).
type Fiber struct {
	ID      uuid.UUID
	Reactor *Reactor

	fn FiberFunc

	resumeC chan fiberResume // dispatcher -> fiber goroutine
	yieldC  chan struct{}    // fiber goroutine -> dispatcher, buffered 1

	state FiberState

	// linked is true iff this fiber is currently an element of some
	// reactor's ready queue; a Fiber must never be linked twice.
	linked     bool
	readyElem  *list.Element
	pendingRes fiberResume

	// result/err set once the fiber function returns; joinWaiters are
	// re-readied via awaken when this fiber terminates.
	result      interface{}
	err         error
	panicVal    interface{}
	joinWaiters []*Fiber // fibers parked in Join, same reactor only
}

func newFiber(r *Reactor, fn FiberFunc) *Fiber {
	f := &Fiber{
		ID:      uuid.New(),
		Reactor: r,
		fn:      fn,
		resumeC: make(chan fiberResume),
		yieldC:  make(chan struct{}, 1),
		state:   FiberReady,
	}
	return f
}

// run is the fiber's goroutine body: block for the first baton, run fn to
// completion (recovering panics per the error-handling design), then
// notify joiners and hand control back to the dispatcher one last time.
func (f *Fiber) run() {
	first := <-f.resumeC
	_ = first // initial resume carries no data; spawn always starts ready

	defer func() {
		if rec := recover(); rec != nil {
			f.panicVal = rec
			f.err = fmt.Errorf("fiber panic: %v", rec)
			log.Error().Str("fiber", f.ID.String()).Interface("panic", rec).Msg("fiber terminated by panic")
		}
		f.state = FiberTerminated
		waiters := f.joinWaiters
		f.joinWaiters = nil
		for _, w := range waiters {
			f.Reactor.awaken(w, fiberResume{})
		}
		f.yieldC <- struct{}{}
	}()

	f.state = FiberRunning
	res, err := f.fn(f)
	f.result, f.err = res, err
}

// suspend parks the calling fiber's goroutine until something resumes it
// via Reactor.awaken. register is invoked (still on this fiber's
// goroutine, with the reactor's single-threaded invariant held) to link
// the fiber into whatever wait structure will eventually resume it -
// an fd's read/write wait list, a channel's wait list, or the timer heap.
func (f *Fiber) suspend(register func(f *Fiber)) (interface{}, error) {
	f.state = FiberWaiting
	register(f)
	f.yieldC <- struct{}{}
	res := <-f.resumeC
	f.state = FiberRunning
	return res.Value, res.Err
}

// Yield cooperatively gives up the CPU and is immediately re-queued as
// ready; used by long-running fibers (e.g. pipeline mappers) for
// fairness per spec.md 4.7 ("yields every 1000 records").
func (f *Fiber) Yield() {
	f.suspend(func(fb *Fiber) {
		fb.Reactor.awaken(fb, fiberResume{})
	})
}

// Join blocks the calling fiber until target terminates, returning
// target's result and error. target must belong to the same reactor as
// f; cross-reactor waits must go through Reactor.AwaitOn instead.
func (f *Fiber) Join(target *Fiber) (interface{}, error) {
	if target.state == FiberTerminated {
		return target.result, target.err
	}
	f.suspend(func(fb *Fiber) {
		target.joinWaiters = append(target.joinWaiters, fb)
	})
	return target.result, target.err
}

// SuspendForChannel exposes the suspend primitive to the channel
// package: register is called (still holding the baton) to link the
// fiber into the channel's push/pop wait-list before yielding.
func (f *Fiber) SuspendForChannel(register func(*Fiber)) (interface{}, error) {
	return f.suspend(register)
}

// ResumeChannelWaiter re-readies a fiber parked in SuspendForChannel,
// delivering value/err as its suspend() return. A Bounded[T] channel can
// be shared across reactors (the pipeline's file-name queue is, per
// spec.md 4.7), so the resuming fiber may live on a different reactor
// than whichever fiber is currently running Push/Pop; this always goes
// through Post so the actual readyQ mutation happens on the waiter's own
// reactor goroutine, preserving the data-partitioning invariant.
func (r *Reactor) ResumeChannelWaiter(f *Fiber, value interface{}, err error) {
	target := f.Reactor
	target.Post(func(tr *Reactor) {
		tr.awaken(f, fiberResume{Value: value, Err: err})
	})
}

// State reports the fiber's current lifecycle state; safe to read only
// from the owning reactor's goroutine except for FiberTerminated, which
// is a one-way terminal transition other goroutines may observe racily
// for logging/varz purposes only.
func (f *Fiber) State() FiberState { return f.state }

package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xtaci/fiberio/varz"
)

// varzAware is implemented by driver flavours that expose their own
// metric (currently only uringManager's in-flight SQE gauge); Reactor
// forwards SetVarz to the driver via this optional interface instead of
// a concrete type switch.
type varzAware interface {
	setVarz(*varz.Registry)
}

// ioDriver is the contract a concrete reactor flavour (general epoll loop
// or io_uring ring) must satisfy so the scheduler in Reactor can stay
// flavour-agnostic, per spec.md 4.1's "two reactor flavours, sharing the
// same contract".
type ioDriver interface {
	// drainReady runs every immediately-available completion/readiness
	// callback without blocking, used when fibers are already ready so
	// the drive loop still picks up freshly-completed I/O this tick.
	drainReady()
	// blockUntil blocks for at most one I/O event or until deadline
	// (zero Time = block forever); returns once something happened.
	blockUntil(deadline time.Time, hasDeadline bool)
	// wake unblocks a blockUntil call from another goroutine.
	wake()
	close() error

	// socketBackend: per-fd operations used by FiberSocket. Both the
	// epoll driver and the io_uring driver implement these, each in its
	// own idiom (epoll readiness lists vs. io_uring SQE submission).
	registerFD(fd int) error
	unregisterFD(fd int)
	closeFD(fd int)
	waitReadable(fiber *Fiber, fd int, deadline time.Time, hasDeadline bool) error
	waitWritable(fiber *Fiber, fd int, deadline time.Time, hasDeadline bool) error
	read(fiber *Fiber, fd int, buf []byte, deadline time.Time, hasDeadline bool) (int, error)
	write(fiber *Fiber, fd int, buf []byte, deadline time.Time, hasDeadline bool) (int, error)
}

// Reactor drives one OS thread's I/O and hosts that thread's cooperative
// fiber scheduler. Only code running on the reactor's own goroutine may
// touch its unlocked fields (readyQ, timers, descs, stopped) - the
// data-partitioning invariant of spec.md 5.
type Reactor struct {
	Index int // position within the owning Pool, for round-robin/logging

	driver ioDriver

	readyQ readyQueue
	timers timers

	workGuard int64 // atomic: outstanding "keep running" reasons
	stopped   int32 // atomic bool

	notifyArmed  int32 // atomic: sentinel timer already armed for "now"
	armedFor     time.Time
	armedForZero bool // true if armedFor is the infinite (no) deadline

	loopDone chan struct{}

	// guards cross-goroutine calls into awaken/pickNext from outside the
	// reactor's own goroutine (e.g. an io completion callback invoked
	// directly by the driver on the reactor goroutine needs none of
	// this; only Pool-level cross-reactor calls go through postC).
	postC chan func(*Reactor)

	currentFiberMark int32 // atomic: >0 while a fiber goroutine holds the baton, used to reject reentrant AwaitOnAll

	closeOnce sync.Once

	varz *varz.Registry // optional; nil unless SetVarz was called
}

// SetVarz attaches a metrics registry so the drive loop reports its
// ready-queue depth (and, on the io_uring flavour, in-flight SQE count)
// every tick. Call before Run; nil is a valid no-op value.
func (r *Reactor) SetVarz(v *varz.Registry) {
	r.varz = v
	if va, ok := r.driver.(varzAware); ok {
		va.setVarz(v)
	}
}

func newReactor(index int, d ioDriver) *Reactor {
	r := &Reactor{
		Index:    index,
		driver:   d,
		loopDone: make(chan struct{}),
		postC:    make(chan func(*Reactor), 128),
	}
	return r
}

// awakened attaches fiber f to this reactor's ready queue per spec.md
// 4.1 step 1; res is delivered to the fiber when it is eventually given
// the baton by pickNext.
func (r *Reactor) awaken(f *Fiber, res fiberResume) {
	f.pendingRes = res
	r.readyQ.push(f)
}

func (r *Reactor) pickNext() *Fiber {
	return r.readyQ.pop()
}

func (r *Reactor) hasReady() bool {
	return r.readyQ.len() > 0
}

// suspendUntil arms the sentinel timer for deadline (or leaves it alone
// if infinite) and blocks the calling (dispatcher) goroutine in the
// driver until that timer fires or notify() is called. Re-arming to the
// same deadline is a documented no-op to avoid the busy-oscillation
// livelock called out in spec.md 4.1.
func (r *Reactor) suspendUntil(deadline time.Time, infinite bool) {
	if infinite {
		r.driver.blockUntil(time.Time{}, false)
		return
	}
	if !r.armedForZero && r.armedFor.Equal(deadline) {
		// already armed for this exact deadline; avoid re-arm oscillation
		r.driver.blockUntil(deadline, true)
		return
	}
	r.armedFor = deadline
	r.armedForZero = false
	r.driver.blockUntil(deadline, true)
}

// notify arms the sentinel timer to fire immediately, producing at most
// one spurious wake; safe to call from any goroutine.
func (r *Reactor) notify() {
	r.driver.wake()
}

// Spawn creates a fiber bound to this reactor and makes it immediately
// ready. Must be called from the reactor's own goroutine (or via Post
// from another reactor).
func (r *Reactor) Spawn(fn FiberFunc) *Fiber {
	f := newFiber(r, fn)
	go f.run()
	r.awaken(f, fiberResume{})
	return f
}

// AddWorkGuard/DropWorkGuard track outstanding reasons to keep the drive
// loop alive even with an empty ready queue (e.g. a listening socket).
// Once Stop has been called, the drive loop exits when the guard reaches
// zero and no fiber is ready, per spec.md 4.1.
func (r *Reactor) AddWorkGuard() { atomic.AddInt64(&r.workGuard, 1) }
func (r *Reactor) DropWorkGuard() {
	if atomic.AddInt64(&r.workGuard, -1) == 0 {
		r.notify()
	}
}

func (r *Reactor) Stop() {
	atomic.StoreInt32(&r.stopped, 1)
	r.notify()
}

func (r *Reactor) isStopped() bool { return atomic.LoadInt32(&r.stopped) != 0 }

// Post schedules fn to run on this reactor's own goroutine and returns
// immediately; used by the pool for cross-reactor dispatch (accept
// server handing off an accepted fd, AwaitOnAll fan-out).
func (r *Reactor) Post(fn func(*Reactor)) {
	select {
	case r.postC <- fn:
		r.notify()
	case <-r.loopDone:
	default:
		// post queue full: hand the send to a helper goroutine so the
		// caller still returns immediately
		go func() {
			select {
			case r.postC <- fn:
				r.notify()
			case <-r.loopDone:
			}
		}()
	}
}

// Run is the reactor's drive loop (spec.md 4.1): while not stopped, if
// any fiber is ready, drain available I/O non-blockingly and run one
// ready fiber per iteration; otherwise block for one I/O event (or until
// the nearest timeout). Exits once stopped with workGuard at zero and no
// fiber ready. The drive loop's goroutine is locked to its OS thread for
// the lifetime of the loop.
func (r *Reactor) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.loopDone)
	defer log.Debug().Int("reactor", r.Index).Msg("drive loop exited")
	for {
		r.drainPosted()

		now := time.Now()
		r.timers.expire(now)

		if r.varz != nil {
			r.varz.ReadyQueueDepth().Set(float64(r.readyQ.len()))
		}

		if r.hasReady() {
			r.driver.drainReady()
			r.drainPosted()
			f := r.pickNext()
			if f != nil {
				r.runFiber(f)
			}
			continue
		}

		if r.isStopped() && atomic.LoadInt64(&r.workGuard) <= 0 {
			return
		}

		if dl, ok := r.timers.nextDeadline(); ok {
			r.suspendUntil(dl, true)
		} else {
			r.suspendUntil(time.Time{}, false)
		}
	}
}

func (r *Reactor) drainPosted() {
	for {
		select {
		case fn := <-r.postC:
			fn(r)
		default:
			return
		}
	}
}

// runFiber hands the baton to f and blocks until f yields or terminates.
func (r *Reactor) runFiber(f *Fiber) {
	atomic.StoreInt32(&r.currentFiberMark, 1)
	defer atomic.StoreInt32(&r.currentFiberMark, 0)
	f.resumeC <- f.pendingRes
	<-f.yieldC
}

func (r *Reactor) onReactorGoroutine() bool {
	return atomic.LoadInt32(&r.currentFiberMark) != 0
}

func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.driver.close()
	})
	return err
}


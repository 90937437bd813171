// Package channel implements the runtime's capacity-bounded
// multi-producer multi-consumer FIFO (spec.md 4.6), built on fiber
// suspension rather than Go's native chan so close semantics can
// distinguish "closed, reject new pushes but drain remaining pops"
// (Close) from "closed, but pushers already parked waiting for room
// still complete" (StartClosing) - a distinction a raw chan cannot express.
package channel

import (
	"container/list"
	"sync"

	"github.com/xtaci/fiberio/reactor"
)

// Bounded is a capacity-bounded FIFO of T, grounded on the
// buffered-channel-as-semaphore idiom from
// other_examples/DanDo385-go-edu's semaphore-demo/main.go (capacity
// gates concurrent producers) and the close/drain lifecycle of
// other_examples/ezex-io-gopkg's pipeline.go, generalised to suspend
// fibers instead of parking goroutines on a native chan.
//
// Unlike reactor-owned state, a Bounded[T] can be shared across
// reactors (spec.md 4.7's file-name queue is), so its internal lists
// are guarded by mu rather than relying on single-reactor ownership.
type Bounded[T any] struct {
	mu       sync.Mutex
	capacity int
	items    list.List // of T, FIFO
	reserved int       // slots promised to woken-but-not-yet-landed pushers

	pushWaiters list.List // of *reactor.Fiber
	popWaiters  list.List // of *reactor.Fiber

	closed      bool
	closingOnly bool // StartClosing: producers with a free slot still complete
}

// New creates a bounded channel of the given capacity (must be > 0).
func New[T any](capacity int) *Bounded[T] {
	return &Bounded[T]{capacity: capacity}
}

// pushResult/popResult carry a channel operation's outcome across a
// fiber suspend/resume boundary (Push/Pop can't just return a plain
// value because each awaken() call only carries one interface{}).
type pushResult struct{ closed bool }
type popResult[T any] struct {
	value  T
	closed bool
}

// Push suspends the calling fiber if the channel is full, resuming when
// a consumer frees a slot or the channel closes. Returns closed=true if
// Close or StartClosing had already been called, or if Close runs while
// this pusher is parked.
func (c *Bounded[T]) Push(ctx *reactor.Fiber, x T) (closed bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return true
	}
	if c.items.Len()+c.reserved < c.capacity {
		c.items.PushBack(x)
		c.wakeOnePopperLocked()
		c.mu.Unlock()
		return false
	}
	// Still holding the lock: register into pushWaiters before anyone
	// else can observe this "full" state change, closing the window a
	// separately-locked register would leave between the capacity check
	// and the registration (a lost wakeup across reactors). The register
	// callback itself releases the lock; suspend()'s actual park happens
	// after it returns, so no other reactor's Push/Pop ever blocks on a
	// parked fiber.
	res, _ := ctx.SuspendForChannel(func(f *reactor.Fiber) {
		c.pushWaiters.PushBack(f)
		c.mu.Unlock()
	})
	r, _ := res.(pushResult)
	if r.closed {
		return true
	}
	// wakeOnePusherLocked reserved this slot for us specifically; land it.
	c.mu.Lock()
	c.reserved--
	c.items.PushBack(x)
	c.wakeOnePopperLocked()
	c.mu.Unlock()
	return false
}

// Pop suspends the calling fiber when the channel is empty and not
// closed; once closed, Pop continues to drain remaining elements before
// reporting closed=true on an empty, closed channel.
func (c *Bounded[T]) Pop(ctx *reactor.Fiber) (value T, closed bool) {
	c.mu.Lock()
	if c.items.Len() > 0 {
		e := c.items.Front()
		c.items.Remove(e)
		v := e.Value.(T)
		c.wakeOnePusherLocked()
		c.mu.Unlock()
		return v, false
	}
	if c.closed {
		c.mu.Unlock()
		var zero T
		return zero, true
	}
	// Same reasoning as Push: register while still holding the lock so
	// no concurrent Push's wakeOnePopperLocked can run between the
	// emptiness check and the registration.
	res, _ := ctx.SuspendForChannel(func(f *reactor.Fiber) {
		c.popWaiters.PushBack(f)
		c.mu.Unlock()
	})
	r, _ := res.(popResult[T])
	return r.value, r.closed
}

// wakeOnePusherLocked hands a free slot directly to the oldest waiting
// pusher (FIFO fairness on the push wait-list, per spec.md 4.6),
// reserving the slot until that pusher's continuation actually lands
// its item so a concurrent fast-path Push can't double-claim it. Caller
// must hold c.mu; ResumeChannelWaiter only Posts (Post never blocks), so
// it is safe to call with the lock held.
func (c *Bounded[T]) wakeOnePusherLocked() {
	if e := c.pushWaiters.Front(); e != nil {
		c.pushWaiters.Remove(e)
		c.reserved++
		f := e.Value.(*reactor.Fiber)
		f.Reactor.ResumeChannelWaiter(f, pushResult{closed: false}, nil)
	}
}

func (c *Bounded[T]) wakeOnePopperLocked() {
	if e := c.popWaiters.Front(); e != nil {
		c.popWaiters.Remove(e)
		f := e.Value.(*reactor.Fiber)
		item := c.items.Front()
		c.items.Remove(item)
		f.Reactor.ResumeChannelWaiter(f, popResult[T]{value: item.Value.(T)}, nil)
	}
}

// Close marks the channel closed and wakes every waiter (both sides);
// pushes after Close return closed=true, pops continue to drain
// whatever was already queued before reporting closed, per spec.md 4.6.
func (c *Bounded[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.wakeAllPushersLocked(true)
	c.wakeAllPoppersOnCloseLocked()
}

// StartClosing marks closed but only wakes waiting consumers; producers
// already parked in Push waiting for room still complete normally once
// room appears, while new pushes return closed=true, per spec.md 4.6's
// variant semantics. The pipeline executor calls it on each record queue
// once that reactor's workers have finished.
func (c *Bounded[T]) StartClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closingOnly = true
	c.wakeAllPoppersOnCloseLocked()
}

func (c *Bounded[T]) wakeAllPushersLocked(closed bool) {
	for e := c.pushWaiters.Front(); e != nil; {
		next := e.Next()
		f := e.Value.(*reactor.Fiber)
		f.Reactor.ResumeChannelWaiter(f, pushResult{closed: closed}, nil)
		e = next
	}
	c.pushWaiters.Init()
}

func (c *Bounded[T]) wakeAllPoppersOnCloseLocked() {
	for e := c.popWaiters.Front(); e != nil; {
		next := e.Next()
		f := e.Value.(*reactor.Fiber)
		if c.items.Len() > 0 {
			item := c.items.Front()
			c.items.Remove(item)
			f.Reactor.ResumeChannelWaiter(f, popResult[T]{value: item.Value.(T)}, nil)
		} else {
			var zero T
			f.Reactor.ResumeChannelWaiter(f, popResult[T]{value: zero, closed: true}, nil)
		}
		e = next
	}
	c.popWaiters.Init()
}

// Len reports the number of items currently queued.
func (c *Bounded[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// IsClosed reports whether Close or StartClosing has been called.
func (c *Bounded[T]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

package reactor

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/xtaci/fiberio/varz"
)

// Pool is a fixed-size set of reactors, each pinned to its own OS
// thread, offering round-robin selection and fan-out/fan-in primitives
// that wait for completion on every reactor, per spec.md 4.4/2.
type Pool struct {
	reactors []*Reactor
	cursor   int64
}

// NewPool starts n reactors, each on its own locked OS thread, and
// returns once all of them are accepting work.
func NewPool(n int) (*Pool, error) {
	p := &Pool{reactors: make([]*Reactor, 0, n)}
	for i := 0; i < n; i++ {
		r, err := newGeneralReactor(i)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.reactors = append(p.reactors, r)
		go r.Run()
	}
	return p, nil
}

// NewURingPool starts n io_uring-backed reactors instead of epoll ones.
func NewURingPool(n int, sqEntries uint32, linkedSQE bool) (*Pool, error) {
	p := &Pool{reactors: make([]*Reactor, 0, n)}
	for i := 0; i < n; i++ {
		r, err := newURingReactor(i, sqEntries, linkedSQE)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.reactors = append(p.reactors, r)
		go r.Run()
	}
	return p, nil
}

// SetVarz attaches v to every reactor in the pool so ready-queue depth
// (and, on io_uring reactors, in-flight SQE count) is reported each
// drive-loop tick. Call before spawning work.
func (p *Pool) SetVarz(v *varz.Registry) {
	for _, r := range p.reactors {
		r.SetVarz(v)
	}
}

// Size returns the number of reactors in the pool.
func (p *Pool) Size() int { return len(p.reactors) }

// Next selects the next reactor round-robin.
func (p *Pool) Next() *Reactor {
	i := atomic.AddInt64(&p.cursor, 1) - 1
	return p.reactors[int(i)%len(p.reactors)]
}

// At returns the reactor at a fixed index, used by the pipeline executor
// to fan work out to every reactor exactly once.
func (p *Pool) At(i int) *Reactor { return p.reactors[i] }

// All returns every reactor in the pool, stable order.
func (p *Pool) All() []*Reactor { return p.reactors }

// AwaitOnAll schedules fn on every reactor and blocks until every
// invocation completes, per spec.md 5's shared-resource contract. It
// must not be called from inside a reactor fiber; use AwaitOnAllAsync
// there instead (Design Note 9(c): re-entrant use is rejected outright
// rather than silently deadlocking). The check is a conservative
// approximation: it rejects whenever any reactor in the pool currently
// has a fiber holding its baton, not only the caller's own, since Go
// has no cheap way to ask "is this goroutine a fiber" directly. That
// can reject a handful of legitimate concurrent external calls it
// didn't need to, but it never misses a genuine reentrant call, which
// is the direction that matters: a missed case deadlocks silently, a
// false positive just returns an error.
func (p *Pool) AwaitOnAll(fn func(r *Reactor) error) error {
	for _, r := range p.reactors {
		if r.onReactorGoroutine() {
			return ErrReentrantAwaitOnAll
		}
	}
	var g errgroup.Group
	for _, r := range p.reactors {
		r := r
		done := make(chan error, 1)
		r.Post(func(rr *Reactor) {
			done <- fn(rr)
		})
		g.Go(func() error {
			return <-done
		})
	}
	return g.Wait()
}

// AwaitOnAllAsync dispatches fn to every reactor without blocking the
// caller; done is closed after fn has run (possibly with errors
// collected into errs) on every reactor. Safe to call from inside a
// reactor fiber.
func (p *Pool) AwaitOnAllAsync(fn func(r *Reactor) error) (done <-chan struct{}, errs func() []error) {
	ch := make(chan struct{})
	collected := make([]error, len(p.reactors))
	var remaining int64 = int64(len(p.reactors))
	for i, r := range p.reactors {
		i, r := i, r
		r.Post(func(rr *Reactor) {
			collected[i] = fn(rr)
			if atomic.AddInt64(&remaining, -1) == 0 {
				close(ch)
			}
		})
	}
	return ch, func() []error { return collected }
}

// AwaitOn migrates execution to target by enqueueing a trampoline fiber
// there and suspending the calling fiber until it completes, per spec.md
// 4.2. The trampoline runs fn on target and the result flows back to the
// caller's reactor.
func AwaitOn(caller *Fiber, target *Reactor, fn func(tf *Fiber) (interface{}, error)) (interface{}, error) {
	if caller.Reactor == target {
		return fn(caller)
	}
	return caller.suspend(func(waiting *Fiber) {
		target.Post(func(tr *Reactor) {
			tr.Spawn(func(tf *Fiber) (interface{}, error) {
				v, err := fn(tf)
				waiting.Reactor.Post(func(wr *Reactor) {
					wr.awaken(waiting, fiberResume{Value: v, Err: err})
				})
				return v, err
			})
		})
	})
}

func (p *Pool) Close() error {
	var firstErr error
	for _, r := range p.reactors {
		r.Stop()
	}
	for _, r := range p.reactors {
		<-r.loopDone
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

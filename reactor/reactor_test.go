package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/fiberio/reactor"
)

func newTestPool(t *testing.T, n int) *reactor.Pool {
	t.Helper()
	p, err := reactor.NewPool(n)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestSpawnRunsFiber verifies a spawned fiber actually runs and its
// result is observable once it terminates.
func TestSpawnRunsFiber(t *testing.T) {
	p := newTestPool(t, 1)
	done := make(chan int, 1)
	p.At(0).Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		done <- 7
		return 7, nil
	})
	select {
	case v := <-done:
		require.Equal(t, 7, v)
	case <-time.After(5 * time.Second):
		t.Fatal("fiber never ran")
	}
}

// TestYieldIsFair verifies that a fiber calling Yield repeatedly lets
// other ready fibers on the same reactor interleave rather than
// starving them.
func TestYieldIsFair(t *testing.T) {
	p := newTestPool(t, 1)
	r := p.At(0)

	var order []string
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	r.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		for i := 0; i < 3; i++ {
			order = append(order, "a")
			ctx.Yield()
		}
		close(doneA)
		return nil, nil
	})
	r.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		for i := 0; i < 3; i++ {
			order = append(order, "b")
			ctx.Yield()
		}
		close(doneB)
		return nil, nil
	})

	<-doneA
	<-doneB
	require.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order)
}

// TestJoinWaitsForTermination verifies Join blocks the caller until the
// target fiber has returned and delivers its result/error.
func TestJoinWaitsForTermination(t *testing.T) {
	p := newTestPool(t, 1)
	r := p.At(0)

	result := make(chan interface{}, 1)
	r.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		child := ctx.Reactor.Spawn(func(cf *reactor.Fiber) (interface{}, error) {
			cf.Yield()
			return "child-done", nil
		})
		v, err := ctx.Join(child)
		require.NoError(t, err)
		result <- v
		return nil, nil
	})

	select {
	case v := <-result:
		require.Equal(t, "child-done", v)
	case <-time.After(5 * time.Second):
		t.Fatal("join never returned")
	}
}

// TestAwaitOnAllFanOut verifies AwaitOnAll runs fn on every reactor in
// the pool and waits for all of them.
func TestAwaitOnAllFanOut(t *testing.T) {
	p := newTestPool(t, 4)

	var hits [4]int32
	err := p.AwaitOnAll(func(r *reactor.Reactor) error {
		hits[r.Index] = 1
		return nil
	})
	require.NoError(t, err)
	for i, h := range hits {
		require.Equal(t, int32(1), h, "reactor %d not visited", i)
	}
}

// TestAwaitOnAllRejectsReentrant verifies calling AwaitOnAll from
// inside a fiber running on one of the pool's own reactors is rejected
// rather than deadlocking, per the re-entrancy guard.
func TestAwaitOnAllRejectsReentrant(t *testing.T) {
	p := newTestPool(t, 2)

	errc := make(chan error, 1)
	p.At(0).Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		errc <- p.AwaitOnAll(func(r *reactor.Reactor) error { return nil })
		return nil, nil
	})

	select {
	case err := <-errc:
		require.ErrorIs(t, err, reactor.ErrReentrantAwaitOnAll)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

// TestAwaitOnMigratesReactor verifies AwaitOn runs fn on the target
// reactor and the calling fiber observes its result back on its own
// reactor.
func TestAwaitOnMigratesReactor(t *testing.T) {
	p := newTestPool(t, 2)
	caller := p.At(0)
	target := p.At(1)

	result := make(chan int, 1)
	caller.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		v, err := reactor.AwaitOn(ctx, target, func(tf *reactor.Fiber) (interface{}, error) {
			require.Same(t, target, tf.Reactor)
			return target.Index, nil
		})
		require.NoError(t, err)
		result <- v.(int)
		return nil, nil
	})

	select {
	case v := <-result:
		require.Equal(t, target.Index, v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

// TestPostFromOutsideReactor verifies Post is safe to call from an
// arbitrary goroutine, not just another reactor.
func TestPostFromOutsideReactor(t *testing.T) {
	p := newTestPool(t, 1)
	r := p.At(0)

	done := make(chan struct{})
	r.Post(func(rr *reactor.Reactor) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("posted func never ran")
	}
}

package channel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/fiberio/channel"
	"github.com/xtaci/fiberio/reactor"
)

func newTestPool(t *testing.T, n int) *reactor.Pool {
	t.Helper()
	p, err := reactor.NewPool(n)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestBoundedFIFO checks that values pushed from a single reactor come
// back out in the order they went in.
func TestBoundedFIFO(t *testing.T) {
	p := newTestPool(t, 1)
	ch := channel.New[int](4)
	r := p.At(0)

	done := make(chan []int, 1)
	r.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		for i := 0; i < 4; i++ {
			ch.Push(ctx, i)
		}
		var got []int
		for i := 0; i < 4; i++ {
			v, closed := ch.Pop(ctx)
			require.False(t, closed)
			got = append(got, v)
		}
		done <- got
		return nil, nil
	})

	select {
	case got := <-done:
		require.Equal(t, []int{0, 1, 2, 3}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fiber")
	}
}

// TestBoundedBlocksOnCapacity verifies a pusher suspends once the
// channel is full and resumes only after a popper frees a slot.
func TestBoundedBlocksOnCapacity(t *testing.T) {
	p := newTestPool(t, 1)
	ch := channel.New[int](2)
	r := p.At(0)

	pushedThird := make(chan struct{}, 1)
	popped := make(chan int, 1)

	r.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		ch.Push(ctx, 1)
		ch.Push(ctx, 2)
		ch.Push(ctx, 3) // blocks until a slot frees
		pushedThird <- struct{}{}
		return nil, nil
	})

	r.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		// give the producer a moment to fill the channel and block
		ctx.Yield()
		ctx.Yield()
		v, closed := ch.Pop(ctx)
		require.False(t, closed)
		popped <- v
		return nil, nil
	})

	select {
	case v := <-popped:
		require.Equal(t, 1, v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pop")
	}
	select {
	case <-pushedThird:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked push never resumed after pop freed a slot")
	}
}

// TestBoundedCrossReactor exercises the case the channel exists for:
// producers and consumers running on different reactors in the same
// pool, as the pipeline's shared file-name queue does.
func TestBoundedCrossReactor(t *testing.T) {
	p := newTestPool(t, 4)
	ch := channel.New[int](2)

	const n = 50
	results := make(chan int, n)

	for i := 0; i < n; i++ {
		i := i
		p.At(i % p.Size()).Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
			ch.Push(ctx, i)
			return nil, nil
		})
	}
	for i := 0; i < n; i++ {
		p.At(i % p.Size()).Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
			v, closed := ch.Pop(ctx)
			require.False(t, closed)
			results <- v
			return nil, nil
		})
	}

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		select {
		case v := <-results:
			require.False(t, seen[v], "value %d popped twice", v)
			seen[v] = true
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out after %d/%d results", i, n)
		}
	}
	require.Len(t, seen, n)
}

// TestBoundedCloseDrainsThenReportsClosed verifies Close lets pending
// items drain before Pop starts reporting closed=true.
func TestBoundedCloseDrainsThenReportsClosed(t *testing.T) {
	p := newTestPool(t, 1)
	ch := channel.New[int](4)
	r := p.At(0)

	r.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		ch.Push(ctx, 42)
		return nil, nil
	})

	result := make(chan [2]bool, 1)
	r.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		ctx.Yield()
		ch.Close()
		v, closed1 := ch.Pop(ctx)
		require.Equal(t, 42, v)
		require.False(t, closed1)
		_, closed2 := ch.Pop(ctx)
		result <- [2]bool{closed1, closed2}
		return nil, nil
	})

	select {
	case r := <-result:
		require.False(t, r[0])
		require.True(t, r[1])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

// TestBoundedPushAfterCloseRejected verifies Push returns closed=true
// immediately once Close has run, without blocking.
func TestBoundedPushAfterCloseRejected(t *testing.T) {
	p := newTestPool(t, 1)
	ch := channel.New[int](4)
	ch.Close()

	done := make(chan bool, 1)
	p.At(0).Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		done <- ch.Push(ctx, 1)
		return nil, nil
	})

	select {
	case closed := <-done:
		require.True(t, closed)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	require.True(t, ch.IsClosed())
}

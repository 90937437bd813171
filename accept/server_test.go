//go:build linux

package accept_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/fiberio/accept"
	"github.com/xtaci/fiberio/reactor"
)

func newTestPool(t *testing.T, n int) *reactor.Pool {
	t.Helper()
	p, err := reactor.NewPool(n)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// echoConn is a minimal test-only Connection: it reads once and writes
// back whatever it read, to exercise the round-trip law of spec.md §8
// without shipping a protocol implementation (spec.md §1/4.5 keep the
// connection state machine itself out of scope).
type echoConn struct {
	sock *reactor.FiberSocket
}

func (c *echoConn) HandleRequests(ctx *reactor.Fiber) error {
	buf := make([]byte, 64)
	n, err := c.sock.Read(ctx, buf)
	if err != nil {
		return err
	}
	_, err = c.sock.Write(ctx, buf[:n])
	return err
}

// TestAcceptServerRoundTrip verifies AddListener/Run dispatch an
// accepted connection to a pool reactor and the echo handler completes
// a full round trip.
func TestAcceptServerRoundTrip(t *testing.T) {
	acceptPool := newTestPool(t, 1)
	workers := newTestPool(t, 2)

	srv := accept.NewServer(acceptPool.At(0), workers)
	port, err := srv.AddListener(0, func(sock *reactor.FiberSocket) accept.Connection {
		return &echoConn{sock: sock}
	})
	require.NoError(t, err)
	srv.Run()
	// close the listener before the pools shut down: its accept loop holds
	// a work guard that keeps the accept reactor's drive loop alive.
	t.Cleanup(func() { srv.Stop(false) })

	result := make(chan string, 1)
	errc := make(chan error, 1)
	workers.At(0).Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		client, err := reactor.Connect(ctx, workers.At(0), [4]byte{127, 0, 0, 1}, port)
		if err != nil {
			errc <- err
			return nil, err
		}
		defer client.Close()
		if _, err := client.Write(ctx, []byte("ping")); err != nil {
			errc <- err
			return nil, err
		}
		buf := make([]byte, 4)
		n, err := client.Read(ctx, buf)
		if err != nil {
			errc <- err
			return nil, err
		}
		result <- string(buf[:n])
		return nil, nil
	})

	select {
	case got := <-result:
		require.Equal(t, "ping", got)
	case err := <-errc:
		t.Fatalf("round trip failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	require.Eventually(t, func() bool {
		return srv.ConnCount() == 0
	}, 5*time.Second, 10*time.Millisecond, "connection never unlinked after handler returned")
}

// TestAcceptServerStopDrains verifies Stop(true) shuts down a live
// connection's socket (unblocking its handler with EOF) and returns
// once the connection list has drained.
func TestAcceptServerStopDrains(t *testing.T) {
	acceptPool := newTestPool(t, 1)
	workers := newTestPool(t, 1)

	srv := accept.NewServer(acceptPool.At(0), workers)
	port, err := srv.AddListener(0, func(sock *reactor.FiberSocket) accept.Connection {
		return &echoConn{sock: sock}
	})
	require.NoError(t, err)
	srv.Run()

	connected := make(chan struct{})
	workers.At(0).Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		client, err := reactor.Connect(ctx, workers.At(0), [4]byte{127, 0, 0, 1}, port)
		require.NoError(t, err)
		close(connected)
		// never writes. This blocking sleep holds the only worker
		// reactor, so the echo handler only gets to Read after it ends,
		// by which time Stop(true) has shut its socket down and Read
		// returns EOF.
		<-time.After(3 * time.Second)
		client.Close()
		return nil, nil
	})

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
	require.Eventually(t, func() bool {
		return srv.ConnCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		srv.Stop(true)
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop(true) never drained")
	}
}

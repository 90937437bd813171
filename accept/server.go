// Package accept implements the runtime's accept-connection server
// (spec.md 4.3): listen on one or more TCP ports from a dedicated
// accept reactor, hand each accepted socket off to a reactor chosen
// round-robin from a pool, and spawn a user-supplied Connection
// handler there.
package accept

import (
	"container/list"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/xtaci/fiberio/reactor"
	"github.com/xtaci/fiberio/varz"
)

// Connection is a user-provided handler bound to an accepted
// FiberSocket, per spec.md 4.3/GLOSSARY. HandleRequests runs as a
// fiber on the target reactor the connection was dispatched to; once
// it returns the connection is unlinked from the server automatically.
type Connection interface {
	HandleRequests(ctx *reactor.Fiber) error
}

// HandlerFactory builds a Connection around an accepted socket, once
// it has already been rebound to its target reactor.
type HandlerFactory func(sock *reactor.FiberSocket) Connection

type listenerEntry struct {
	sock    *reactor.FiberSocket
	factory HandlerFactory
}

// connEntry is the intrusive connection-list node described by
// spec.md's GLOSSARY: every accepted Connection is linked here from
// accept until its handler returns.
type connEntry struct {
	sock *reactor.FiberSocket
	elem *list.Element
}

// Server is the accept-connection server. All of conns/emptyWaiters are
// touched only on acceptReactor's own goroutine - dispatch links entries
// from inside the accept loop fiber, and every unlink is routed back
// through acceptReactor.Post even though HandleRequests runs on a
// different reactor, so the list never needs its own lock.
type Server struct {
	acceptReactor *reactor.Reactor
	pool          *reactor.Pool
	varz          *varz.Registry // optional; nil unless SetVarz was called

	listeners []*listenerEntry

	conns        list.List // of *connEntry
	emptyWaiters []chan struct{}
}

// NewServer builds an accept server whose accept fibers run on
// acceptReactor and whose connections are dispatched round-robin
// across pool.
func NewServer(acceptReactor *reactor.Reactor, pool *reactor.Pool) *Server {
	return &Server{acceptReactor: acceptReactor, pool: pool}
}

// SetVarz attaches a metrics registry; every accepted connection
// dispatched to a worker reactor adds to varz.Registry.RequestsTotal,
// the numerator of spec.md 7's "lifetime QPS" summary figure.
func (s *Server) SetVarz(v *varz.Registry) { s.varz = v }

// AddListener opens a listening socket on port (0 = kernel-chosen) and
// registers factory to build a Connection for each accepted socket,
// returning the actually-bound port per spec.md 4.3.
func (s *Server) AddListener(port int, factory HandlerFactory) (int, error) {
	sock, assigned, err := reactor.Listen(s.acceptReactor, port)
	if err != nil {
		return 0, err
	}
	s.listeners = append(s.listeners, &listenerEntry{sock: sock, factory: factory})
	return assigned, nil
}

// Run spawns one accept fiber per registered listener on the accept
// reactor. Must be called after all AddListener calls.
func (s *Server) Run() {
	for _, le := range s.listeners {
		le := le
		s.acceptReactor.AddWorkGuard()
		s.acceptReactor.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
			defer s.acceptReactor.DropWorkGuard()
			s.acceptLoop(ctx, le)
			return nil, nil
		})
	}
}

func (s *Server) acceptLoop(ctx *reactor.Fiber, le *listenerEntry) {
	for {
		sock, err := le.sock.Accept(ctx)
		if err != nil {
			if errors.Is(err, reactor.ErrClosed) || errors.Is(err, reactor.ErrCancelled) {
				return
			}
			log.Warn().Err(err).Msg("accept failed, continuing")
			continue
		}
		if s.varz != nil {
			s.varz.RequestsTotal().Inc()
		}
		s.dispatch(sock, le.factory)
	}
}

// dispatch implements spec.md 4.3 steps 1-4: pick the next reactor
// round-robin, hand the fd's ownership off to it, link the connection
// into the server's list, then spawn HandleRequests there.
func (s *Server) dispatch(sock *reactor.FiberSocket, factory HandlerFactory) {
	entry := &connEntry{sock: sock}
	entry.elem = s.conns.PushBack(entry)

	target := s.pool.Next()
	sock.LeaveOwner()
	target.Post(func(tr *reactor.Reactor) {
		if err := sock.JoinOwner(tr); err != nil {
			log.Error().Err(err).Msg("failed to adopt accepted socket onto target reactor")
			sock.Close()
			s.unlink(entry)
			return
		}
		conn := factory(sock)
		tr.Spawn(func(tf *reactor.Fiber) (interface{}, error) {
			err := conn.HandleRequests(tf)
			sock.Close()
			s.unlink(entry)
			return nil, err
		})
	})
}

// unlink removes entry from the connection list and notifies anyone
// waiting on the list draining (Stop(true)); always routed through
// acceptReactor.Post since HandleRequests runs on a different reactor.
func (s *Server) unlink(entry *connEntry) {
	s.acceptReactor.Post(func(ar *reactor.Reactor) {
		s.conns.Remove(entry.elem)
		if s.conns.Len() == 0 {
			for _, w := range s.emptyWaiters {
				close(w)
			}
			s.emptyWaiters = nil
		}
	})
}

// Stop closes every listening socket, unblocking the accept loops with
// ErrClosed. If waitForConnections is true, it additionally shuts down
// every live connection's socket (unblocking any fiber parked in Read
// with EOF per spec.md 4.2/4.3) and blocks until the connection list
// has fully drained.
func (s *Server) Stop(waitForConnections bool) {
	done := make(chan struct{})
	s.acceptReactor.Post(func(ar *reactor.Reactor) {
		for _, le := range s.listeners {
			le.sock.Close()
		}
		if !waitForConnections {
			close(done)
			return
		}
		for e := s.conns.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*connEntry)
			entry.sock.Shutdown(unix.SHUT_RDWR)
		}
		if s.conns.Len() == 0 {
			close(done)
			return
		}
		s.emptyWaiters = append(s.emptyWaiters, done)
	})
	<-done
}

// ConnCount reports the number of currently live connections; for
// tests and varz reporting only, fetched via Post to stay off the
// accept reactor's unlocked list from another goroutine.
func (s *Server) ConnCount() int {
	done := make(chan int, 1)
	s.acceptReactor.Post(func(ar *reactor.Reactor) {
		done <- s.conns.Len()
	})
	return <-done
}

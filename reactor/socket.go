package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// FiberSocket is a non-blocking socket bound to exactly one reactor; its
// operations suspend the calling fiber until the reactor reports
// completion, per spec.md 4.2. Only fibers running on the owning
// reactor may call these methods - that ownership is what makes the
// data-partitioning invariant hold without locks.
type FiberSocket struct {
	fd      int
	owner   *Reactor
	closed  bool
}

// newFiberSocket wraps an already-created, already non-blocking fd and
// registers it with the owning reactor's driver.
func newFiberSocket(owner *Reactor, fd int) (*FiberSocket, error) {
	if err := owner.driver.registerFD(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &FiberSocket{fd: fd, owner: owner}, nil
}

func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Listen creates a listening TCP socket on port (0 = kernel-chosen) and
// returns it bound to owner, plus the actually-assigned port - mirrors
// AddListener's "assigned_port" return in spec.md 4.3.
func Listen(owner *Reactor, port int) (*FiberSocket, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, 0, newErr(ErrKindResource, err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, 0, newErr(ErrKindResource, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, 0, newErr(ErrKindResource, err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, 0, newErr(ErrKindResource, err)
	}
	assigned := port
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		assigned = in4.Port
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, 0, newErr(ErrKindResource, err)
	}
	sock, err := newFiberSocket(owner, fd)
	if err != nil {
		return nil, 0, err
	}
	return sock, assigned, nil
}

// Accept suspends the calling fiber until a connection arrives, then
// returns a new FiberSocket bound to the same reactor as the listener.
// Callers that want a different target reactor hand the resulting
// socket over with LeaveOwner/JoinOwner, as the accept server does
// (spec.md 4.2/4.3).
func (s *FiberSocket) Accept(ctx *Fiber) (*FiberSocket, error) {
	return s.AcceptTimeout(ctx, time.Time{}, false)
}

func (s *FiberSocket) AcceptTimeout(ctx *Fiber, deadline time.Time, hasDeadline bool) (*FiberSocket, error) {
	for {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return newFiberSocket(s.owner, nfd)
		}
		if err != unix.EAGAIN {
			return nil, newErr(ErrKindIO, err)
		}
		if werr := s.owner.driver.waitReadable(ctx, s.fd, deadline, hasDeadline); werr != nil {
			return nil, werr
		}
	}
}

// Connect initiates a non-blocking TCP connect and suspends the fiber
// until it completes or fails.
func Connect(ctx *Fiber, owner *Reactor, ip [4]byte, port int) (*FiberSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, newErr(ErrKindResource, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, newErr(ErrKindResource, err)
	}
	addr := &unix.SockaddrInet4{Addr: ip, Port: port}
	err = unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, newErr(ErrKindIO, err)
	}
	sock, regErr := newFiberSocket(owner, fd)
	if regErr != nil {
		return nil, regErr
	}
	if err == unix.EINPROGRESS {
		if werr := owner.driver.waitWritable(ctx, fd, time.Time{}, false); werr != nil {
			sock.Close()
			return nil, werr
		}
		if serr, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); serr != 0 {
			sock.Close()
			return nil, newErr(ErrKindIO, unix.Errno(serr))
		}
	}
	return sock, nil
}

// Read suspends ctx until the reactor reports a completion, returning
// the byte count or an error; io.EOF distinguishes orderly close from
// other errors, per spec.md 4.2.
func (s *FiberSocket) Read(ctx *Fiber, buf []byte) (int, error) {
	return s.ReadTimeout(ctx, buf, time.Time{}, false)
}

func (s *FiberSocket) ReadTimeout(ctx *Fiber, buf []byte, deadline time.Time, hasDeadline bool) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.owner.driver.read(ctx, s.fd, buf, deadline, hasDeadline)
}

// Write suspends ctx until buf (or a prefix of it) has been written.
func (s *FiberSocket) Write(ctx *Fiber, buf []byte) (int, error) {
	return s.WriteTimeout(ctx, buf, time.Time{}, false)
}

func (s *FiberSocket) WriteTimeout(ctx *Fiber, buf []byte, deadline time.Time, hasDeadline bool) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.owner.driver.write(ctx, s.fd, buf, deadline, hasDeadline)
}

// Shutdown shuts down the read side, the write side or both, as how
// selects (unix.SHUT_RD, SHUT_WR, SHUT_RDWR). Once the read side is shut
// down, a fiber blocked in Read observes EOF - AcceptServer.Stop passes
// SHUT_RDWR to unblock handler fibers without a hard Close race
// (spec.md 4.3).
func (s *FiberSocket) Shutdown(how int) error {
	return unix.Shutdown(s.fd, how)
}

// Close releases the fd and cancels every fiber waiting on it with
// ErrClosed, per spec.md 4.2's cancellation semantics.
func (s *FiberSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.driver.closeFD(s.fd)
	return nil
}

// Fd exposes the raw descriptor for io_uring SQE construction and tests.
func (s *FiberSocket) Fd() int { return s.fd }

// Owner returns the reactor this socket is bound to.
func (s *FiberSocket) Owner() *Reactor { return s.owner }

// LeaveOwner deregisters the socket from its current owner's driver
// without closing the fd, the first half of handing a freshly accepted
// connection off to a different reactor (spec.md 4.3 step 2). Must be
// called on the current owner's own goroutine - the accept loop that
// calls this runs there by construction.
func (s *FiberSocket) LeaveOwner() {
	s.owner.driver.unregisterFD(s.fd)
}

// JoinOwner registers the socket with target's driver and rebinds
// ownership, the second half of the handoff. Must be called on
// target's own goroutine (e.g. from inside a Reactor.Post callback),
// preserving the single-owner-goroutine invariant on both ends of the
// migration.
func (s *FiberSocket) JoinOwner(target *Reactor) error {
	if err := target.driver.registerFD(s.fd); err != nil {
		return err
	}
	s.owner = target
	return nil
}

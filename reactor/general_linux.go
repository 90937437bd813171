//go:build linux

package reactor

import (
	"container/list"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// maxEvents is the epoll_wait batch size, matching socket515-gaio's
// poller wait-max-events constant (aio_generic.go: maxEvents = 1024).
const maxEvents = 1024

// ioOp is one pending readiness wait, generalising aiocb from
// socket515-gaio's watcher.go (op/buffer/size/err/deadline) to resume a
// waiting Fiber instead of delivering an OpResult. buf is nil for a bare
// readiness wait (Accept/Connect), non-nil for Read/Write.
type ioOp struct {
	fiber    *Fiber
	buf      []byte
	write    bool
	list     *list.List
	elem     *list.Element
	deadline *deadlineEntry
}

// fdState mirrors fdDesc in watcher.go: per-fd reader/writer wait lists.
type fdState struct {
	readers  list.List // of *ioOp
	writers  list.List
}

// epollDriver is the general reactor flavour: a level-triggered epoll
// event loop, generalising socket515-gaio's
// watcher.loop/handlePending/handleEvents/tryRead/tryWrite to resume
// fibers. Unlike the teacher it owns raw fds directly (a FiberSocket IS
// the fd) rather than wrapping net.Conn, so the teacher's dup()+GC
// finalizer dance for surviving a conn's GC is unnecessary and dropped.
type epollDriver struct {
	r *Reactor

	epfd   int
	wakeFd int // eventfd used by wake()

	descs map[int]*fdState
}

func newEpollDriver() (*epollDriver, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newErr(ErrKindResource, err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, newErr(ErrKindResource, err)
	}
	d := &epollDriver{epfd: epfd, wakeFd: wakeFd, descs: make(map[int]*fdState)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, newErr(ErrKindResource, err)
	}
	return d, nil
}

func (d *epollDriver) stateFor(fd int) *fdState {
	st, ok := d.descs[fd]
	if !ok {
		st = &fdState{}
		d.descs[fd] = st
	}
	return st
}

func (d *epollDriver) registerFD(fd int) error {
	d.stateFor(fd)
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return newErr(ErrKindResource, err)
	}
	return nil
}

// unregisterFD drops fd from this driver's epoll instance without
// closing it, used by the accept server to hand an accepted socket off
// to a different reactor (FiberSocket.LeaveOwner/JoinOwner): called on
// this driver's own reactor goroutine, so no locking is needed.
func (d *epollDriver) unregisterFD(fd int) {
	if st, ok := d.descs[fd]; ok {
		unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		cancelAll(&st.readers, false)
		cancelAll(&st.writers, false)
		delete(d.descs, fd)
	}
}

func (d *epollDriver) closeFD(fd int) {
	if st, ok := d.descs[fd]; ok {
		unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		cancelAll(&st.readers, true)
		cancelAll(&st.writers, true)
		delete(d.descs, fd)
	}
	unix.Close(fd)
}

func cancelAll(l *list.List, closedErr bool) {
	for e := l.Front(); e != nil; e = e.Next() {
		op := e.Value.(*ioOp)
		var err error
		if closedErr {
			err = ErrClosed
		} else {
			err = ErrCancelled
		}
		op.fiber.Reactor.awaken(op.fiber, fiberResume{Value: 0, Err: err})
	}
	l.Init()
}

// waitReadable/waitWritable park the calling fiber until fd becomes
// readable/writable, used by Accept (wait for a connection) and Connect
// (wait for the non-blocking connect() to complete).
func (d *epollDriver) waitReadable(fiber *Fiber, fd int, deadline time.Time, hasDeadline bool) error {
	_, err := d.wait(fiber, fd, nil, false, deadline, hasDeadline)
	return err
}

func (d *epollDriver) waitWritable(fiber *Fiber, fd int, deadline time.Time, hasDeadline bool) error {
	_, err := d.wait(fiber, fd, nil, true, deadline, hasDeadline)
	return err
}

func (d *epollDriver) read(fiber *Fiber, fd int, buf []byte, deadline time.Time, hasDeadline bool) (int, error) {
	return d.wait(fiber, fd, buf, false, deadline, hasDeadline)
}

func (d *epollDriver) write(fiber *Fiber, fd int, buf []byte, deadline time.Time, hasDeadline bool) (int, error) {
	return d.wait(fiber, fd, buf, true, deadline, hasDeadline)
}

func (d *epollDriver) wait(fiber *Fiber, fd int, buf []byte, write bool, deadline time.Time, hasDeadline bool) (int, error) {
	st := d.stateFor(fd)
	l := &st.readers
	if write {
		l = &st.writers
	}
	if l.Len() == 0 && buf != nil {
		if done, n, err := tryIO(fd, buf, write); done {
			return n, err
		}
	} else if l.Len() == 0 {
		// bare readiness check for Accept/Connect: nothing to try directly,
		// the caller performs the syscall itself once readiness resumes it.
	}

	val, err := fiber.suspend(func(f *Fiber) {
		op := &ioOp{fiber: f, buf: buf, write: write, list: l}
		op.elem = l.PushBack(op)
		if hasDeadline {
			op.deadline = f.Reactor.timers.add(deadline, func() {
				l.Remove(op.elem)
				f.Reactor.awaken(f, fiberResume{Value: 0, Err: ErrCancelled})
			})
		}
	})
	if n, ok := val.(int); ok {
		return n, err
	}
	return 0, err
}

func (d *epollDriver) drainReady() {
	d.poll(0)
}

func (d *epollDriver) blockUntil(deadline time.Time, hasDeadline bool) {
	timeout := -1
	if hasDeadline {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		timeout = ms
	}
	d.poll(timeout)
}

func (d *epollDriver) poll(timeoutMillis int) {
	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(d.epfd, events[:], timeoutMillis)
	if err != nil {
		return // EINTR and friends: next loop iteration re-evaluates deadlines
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == d.wakeFd {
			var buf [8]byte
			unix.Read(d.wakeFd, buf[:])
			continue
		}
		st, ok := d.descs[fd]
		if !ok {
			continue
		}
		if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
			d.service(fd, &st.readers, false)
		}
		if events[i].Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
			d.service(fd, &st.writers, true)
		}
	}
}

// service walks a fd's reader or writer wait list in FIFO order,
// mirroring handleEvents in watcher.go: stop at the first op that would
// still block so ordering is preserved for the next readiness event.
func (d *epollDriver) service(fd int, l *list.List, write bool) {
	for e := l.Front(); e != nil; {
		next := e.Next()
		op := e.Value.(*ioOp)

		var done bool
		var n int
		var err error
		if op.buf == nil {
			// bare readiness wait: any event on this side completes it
			done, n, err = true, 0, nil
		} else {
			done, n, err = tryIO(fd, op.buf, write)
		}

		if !done {
			break
		}
		l.Remove(e)
		if op.deadline != nil {
			d.r.timers.remove(op.deadline)
		}
		d.r.awaken(op.fiber, fiberResume{Value: n, Err: err})
		e = next
	}
}

// tryIO performs one non-blocking read/write attempt, matching
// tryRead/tryWrite in watcher.go: EAGAIN means "not done yet", EINTR
// retries, EOF on a zero-length read is reported via io.EOF. Each
// operation completes on the first successful syscall (partial counts
// are returned to the caller, who loops if a full transfer is needed) -
// this mirrors watcher.go's default, non-ReadFull behaviour for both
// directions.
func tryIO(fd int, buf []byte, write bool) (done bool, n int, err error) {
	for {
		var rc int
		var e error
		if write {
			rc, e = unix.Write(fd, buf)
		} else {
			rc, e = unix.Read(fd, buf)
		}
		if e == unix.EAGAIN {
			return false, 0, nil
		}
		if e == unix.EINTR {
			continue
		}
		if e != nil {
			return true, rc, newErr(ErrKindIO, e)
		}
		if rc == 0 && !write {
			return true, 0, io.EOF
		}
		return true, rc, nil
	}
}

func (d *epollDriver) wake() {
	var one [8]byte
	one[7] = 1
	unix.Write(d.wakeFd, one[:])
}

func (d *epollDriver) close() error {
	unix.Close(d.wakeFd)
	return unix.Close(d.epfd)
}

// newGeneralReactor builds a Reactor backed by the epoll driver.
func newGeneralReactor(index int) (*Reactor, error) {
	d, err := newEpollDriver()
	if err != nil {
		return nil, err
	}
	r := newReactor(index, d)
	d.r = r
	return r, nil
}

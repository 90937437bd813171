//go:build linux

package reactor

import (
	"container/list"
	"io"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/xtaci/fiberio/varz"
)

// io_uring opcodes/flags used by this manager, named as in
// other_examples/cloudwego-gopkg's internal/iouring/iouring.go, which
// this file's ring plumbing (SubmissionQueue/CompletionQueue/Peek*/
// Advance*/Submit/WaitCQE) is grounded on.
const (
	ioUringOpPollAdd = 6
	ioUringOpRecv    = 27
	ioUringOpSend    = 26
	ioUringOpAccept  = 13

	ioUringFeatSingleMmap = 1 << 0
	ioSQEIOLink           = 1 << 2

	ioUringEnterGetEvents = 1 << 0

	sysIoUringSetup    = 425
	sysIoUringEnter    = 426
	sysIoUringRegister = 427

	// poll masks for IORING_OP_POLL_ADD's OpFlags, matching <poll.h>.
	pollInMask  = 0x0001
	pollOutMask = 0x0004
)

type ioSqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                           uint64
}

type ioCqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, Cqes uint32
	Flags                                             uint64
	Resv1                                             uint32
	Resv2                                             uint64
}

type ioUringParams struct {
	SqEntries, CqEntries, Flags, SqThreadCpu, SqThreadIdle, Features, WqFd uint32
	Resv                                                                   [3]uint32
	SqOff                                                                  ioSqringOffsets
	CqOff                                                                  ioCqringOffsets
}

// ioUringSQE mirrors struct io_uring_sqe's stable ABI prefix; only the
// fields this manager actually submits (poll mask, recv/send, linked
// fd/addr/len, flags, user_data) are named.
type ioUringSQE struct {
	Opcode   uint8
	Flags    uint8
	IoPrio   uint16
	Fd       int32
	Off      uint64
	Addr     uint64
	Len      uint32
	OpFlags  uint32
	UserData uint64
	pad      [3]uint64
}

type ioUringCQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func ioUringSetup(entries uint32, p *ioUringParams) (int, error) {
	fd, _, errno := syscall.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func ioUringEnter(fd int, toSubmit, minComplete, flags uint32) (int, error) {
	n, _, errno := syscall.Syscall6(sysIoUringEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

type submissionQueue struct {
	head, tail, flags, dropped, array *uint32
	ringMask, ringEntries             uint32
	sqes                              []ioUringSQE
}

type completionQueue struct {
	head, tail, overflow  *uint32
	ringMask, ringEntries uint32
	cqes                  []ioUringCQE
}

// ring is a thin layer over the kernel's SQE/CQE rings, grounded on
// cloudwego-gopkg's IoUring type: NewIoUring/PeekSQE/AdvanceSQ/Submit/
// WaitCQE/AdvanceCQ/Close, generalised to carry an opaque uint64 token
// (the assigned event/fiber) on every SQE instead of this repo's own
// request struct.
type ring struct {
	fd      int
	params  ioUringParams
	sq      submissionQueue
	cq      completionQueue
	ringMem []byte
	sqeMem  []byte
}

func newRing(entries uint32) (*ring, error) {
	var params ioUringParams
	fd, err := ioUringSetup(entries, &params)
	if err != nil {
		return nil, newErr(ErrKindResource, err)
	}
	if params.Features&ioUringFeatSingleMmap == 0 {
		syscall.Close(fd)
		return nil, newErr(ErrKindResource, syscall.ENOSYS)
	}

	r := &ring{fd: fd, params: params}
	pageSize := uint32(syscall.Getpagesize())

	sqRingSize := params.SqOff.Array + params.SqEntries*4
	cqRingSize := params.CqOff.Cqes + params.CqEntries*uint32(unsafe.Sizeof(ioUringCQE{}))
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ringMem, err := syscall.Mmap(fd, 0, int(ringSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		r.Close()
		return nil, newErr(ErrKindResource, err)
	}
	r.ringMem = ringMem

	sqeSize := params.SqEntries * uint32(unsafe.Sizeof(ioUringSQE{}))
	sqeMem, err := syscall.Mmap(fd, 0x10000000, int(sqeSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		r.Close()
		return nil, newErr(ErrKindResource, err)
	}
	r.sqeMem = sqeMem

	r.sq.head = (*uint32)(unsafe.Pointer(&r.ringMem[params.SqOff.Head]))
	r.sq.tail = (*uint32)(unsafe.Pointer(&r.ringMem[params.SqOff.Tail]))
	r.sq.ringMask = *(*uint32)(unsafe.Pointer(&r.ringMem[params.SqOff.RingMask]))
	r.sq.ringEntries = *(*uint32)(unsafe.Pointer(&r.ringMem[params.SqOff.RingEntries]))
	r.sq.flags = (*uint32)(unsafe.Pointer(&r.ringMem[params.SqOff.Flags]))
	r.sq.dropped = (*uint32)(unsafe.Pointer(&r.ringMem[params.SqOff.Dropped]))
	r.sq.array = (*uint32)(unsafe.Pointer(&r.ringMem[params.SqOff.Array]))
	r.sq.sqes = unsafe.Slice((*ioUringSQE)(unsafe.Pointer(&r.sqeMem[0])), params.SqEntries)

	r.cq.head = (*uint32)(unsafe.Pointer(&r.ringMem[params.CqOff.Head]))
	r.cq.tail = (*uint32)(unsafe.Pointer(&r.ringMem[params.CqOff.Tail]))
	r.cq.ringMask = *(*uint32)(unsafe.Pointer(&r.ringMem[params.CqOff.RingMask]))
	r.cq.ringEntries = *(*uint32)(unsafe.Pointer(&r.ringMem[params.CqOff.RingEntries]))
	r.cq.overflow = (*uint32)(unsafe.Pointer(&r.ringMem[params.CqOff.Overflow]))
	r.cq.cqes = unsafe.Slice((*ioUringCQE)(unsafe.Pointer(&r.ringMem[params.CqOff.Cqes])), params.CqEntries)

	return r, nil
}

// reserveSQEs returns n freshly zeroed, consecutive SQEs if the ring has
// room for all of them, or nil without reserving anything if it
// doesn't - callers building a linked chain must not partially commit
// it (a dangling IOSQE_IO_LINK flag with no following SQE is a kernel
// protocol violation, not just a local bookkeeping error).
func (r *ring) reserveSQEs(n int) []*ioUringSQE {
	tail := atomic.LoadUint32(r.sq.tail)
	head := atomic.LoadUint32(r.sq.head)
	if tail-head+uint32(n) > r.sq.ringEntries {
		return nil // SQE exhaustion: caller must await capacity, not crash
	}
	sqes := make([]*ioUringSQE, n)
	for i := 0; i < n; i++ {
		idx := (tail + uint32(i)) & r.sq.ringMask
		sqe := &r.sq.sqes[idx]
		*sqe = ioUringSQE{}
		arrPtr := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(r.sq.array)) + uintptr(idx)*4))
		*arrPtr = idx
		sqes[i] = sqe
	}
	return sqes
}

func (r *ring) commitSQEs(n int) { atomic.AddUint32(r.sq.tail, uint32(n)) }

func (r *ring) peekSQE() *ioUringSQE {
	sqes := r.reserveSQEs(1)
	if sqes == nil {
		return nil
	}
	return sqes[0]
}

func (r *ring) advanceSQ() { r.commitSQEs(1) }

func (r *ring) pendingSQEs() uint32 {
	return atomic.LoadUint32(r.sq.tail) - atomic.LoadUint32(r.sq.head)
}

func (r *ring) submit() (int, error) {
	toSubmit := r.pendingSQEs()
	if toSubmit == 0 {
		return 0, nil
	}
	for {
		n, err := ioUringEnter(r.fd, toSubmit, 0, 0)
		if err == syscall.EINTR {
			continue
		}
		return n, err
	}
}

func (r *ring) peekCQE() *ioUringCQE {
	head := atomic.LoadUint32(r.cq.head)
	tail := atomic.LoadUint32(r.cq.tail)
	if head == tail {
		return nil
	}
	return &r.cq.cqes[head&r.cq.ringMask]
}

func (r *ring) waitCQE() (*ioUringCQE, error) {
	head := atomic.LoadUint32(r.cq.head)
	tail := atomic.LoadUint32(r.cq.tail)
	for head == tail {
		_, err := ioUringEnter(r.fd, 0, 1, ioUringEnterGetEvents)
		if err == syscall.EINTR {
			runtime.Gosched()
			tail = atomic.LoadUint32(r.cq.tail)
			continue
		}
		if err != nil {
			return nil, err
		}
		tail = atomic.LoadUint32(r.cq.tail)
	}
	return &r.cq.cqes[head&r.cq.ringMask], nil
}

func (r *ring) advanceCQ() { atomic.AddUint32(r.cq.head, 1) }

func (r *ring) Close() error {
	var firstErr error
	if r.ringMem != nil {
		if err := syscall.Munmap(r.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ringMem = nil
	}
	if r.sqeMem != nil {
		if err := syscall.Munmap(r.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.sqeMem = nil
	}
	if r.fd >= 0 {
		if err := syscall.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}

// uringEvent pins a callback and the resources it needs alive for the
// duration of an in-flight submission, per Design Note 9 ("shared
// ownership of connection handlers... released only when the terminal
// completion arrives"). deadline is non-nil when the operation was
// issued with a deadline, so its completion path can cancel the timer.
type uringEvent struct {
	fiber    *Fiber
	buf      []byte
	fd       int
	write    bool
	deadline *deadlineEntry
}

// uringManager is the io_uring reactor flavour (spec.md 4.1/4.4): a ring
// plus an event table keyed by user_data token, and the linked-SQE
// optimisation for poll-add+recv/send chains.
type uringManager struct {
	r *Reactor

	ring      *ring
	linkedSQE bool

	nextToken uint64
	events    map[uint64]*uringEvent

	// pending holds submissions that found the SQ ring momentarily full;
	// each is retried in FIFO order as capacity frees up (drainPending),
	// per spec.md 8's "SQE exhaustion must cause the submitter to await
	// capacity, not crash" boundary case.
	pending list.List // of func() bool

	wakeR, wakeW int // self-pipe for notify()/wake(); io_uring has no eventfd-free wake primitive here

	varz *varz.Registry // optional, set via setVarz
}

// setVarz implements varzAware.
func (m *uringManager) setVarz(v *varz.Registry) { m.varz = v }

func newURingManager(entries uint32, linkedSQE bool) (*uringManager, error) {
	rg, err := newRing(entries)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 2)
	if err := syscall.Pipe2(fds, syscall.O_NONBLOCK|syscall.O_CLOEXEC); err != nil {
		rg.Close()
		return nil, newErr(ErrKindResource, err)
	}
	return &uringManager{ring: rg, linkedSQE: linkedSQE, events: make(map[uint64]*uringEvent), wakeR: fds[0], wakeW: fds[1]}, nil
}

func (m *uringManager) assign(ev *uringEvent) uint64 {
	m.nextToken++
	tok := m.nextToken
	m.events[tok] = ev
	return tok
}

// submitOrAwait attempts build once; if the ring is momentarily full it
// forces a flush (submit() drains pending SQEs to the kernel, which
// advances sq.head and frees capacity) and retries once synchronously.
// If it still doesn't fit, build is queued on pending and retried every
// drive-loop tick until it succeeds - the fiber that issued it is
// already parked awaiting its token's completion, so this is the only
// path that can ever deliver one; nothing here may silently drop it.
func (m *uringManager) submitOrAwait(build func() bool) {
	if build() {
		return
	}
	m.submit()
	if build() {
		return
	}
	m.pending.PushBack(build)
}

// drainPending retries queued submissions in FIFO order, stopping at
// the first one that still doesn't fit so ordering among waiters is
// preserved the same way the epoll driver's wait lists preserve it.
func (m *uringManager) drainPending() {
	for e := m.pending.Front(); e != nil; {
		next := e.Next()
		build := e.Value.(func() bool)
		if !build() {
			break
		}
		m.pending.Remove(e)
		e = next
	}
}

// tryPollAdd submits a one-shot poll request tagged with tok, watching
// mask (pollInMask for readability, pollOutMask for writability),
// optionally linked (IOSQE_IO_LINK) to the SQE that follows it so the
// kernel chains poll-then-recv/send without an extra user-mode wake
// (spec.md 4.4). Returns false if the ring has no room right now.
func (m *uringManager) tryPollAdd(fd int, tok uint64, mask uint32, link bool) bool {
	if tok != 0 {
		if _, ok := m.events[tok]; !ok {
			return true // cancelled (deadline fired) before it could be submitted
		}
	}
	sqe := m.ring.peekSQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = ioUringOpPollAdd
	sqe.Fd = int32(fd)
	sqe.OpFlags = mask
	sqe.UserData = tok
	if link {
		sqe.Flags |= ioSQEIOLink
		sqe.UserData = 0 // only the trailing SQE's user-data is honoured
	}
	m.ring.advanceSQ()
	return true
}

func (m *uringManager) tryRecv(fd int, buf []byte, tok uint64) bool {
	if _, ok := m.events[tok]; !ok {
		return true
	}
	sqe := m.ring.peekSQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = ioUringOpRecv
	sqe.Fd = int32(fd)
	if len(buf) > 0 {
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	sqe.Len = uint32(len(buf))
	sqe.UserData = tok
	m.ring.advanceSQ()
	return true
}

func (m *uringManager) trySend(fd int, buf []byte, tok uint64) bool {
	if _, ok := m.events[tok]; !ok {
		return true
	}
	sqe := m.ring.peekSQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = ioUringOpSend
	sqe.Fd = int32(fd)
	if len(buf) > 0 {
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	sqe.Len = uint32(len(buf))
	sqe.UserData = tok
	m.ring.advanceSQ()
	return true
}

// tryLinkedPollRecv reserves both SQEs of a linked poll-then-recv chain
// atomically (reserveSQEs(2)), so a ring-full condition never leaves a
// dangling linked poll with no following recv.
func (m *uringManager) tryLinkedPollRecv(fd int, buf []byte, tok uint64) bool {
	if _, ok := m.events[tok]; !ok {
		return true
	}
	sqes := m.ring.reserveSQEs(2)
	if sqes == nil {
		return false
	}
	poll, recv := sqes[0], sqes[1]
	poll.Opcode = ioUringOpPollAdd
	poll.Fd = int32(fd)
	poll.OpFlags = pollInMask
	poll.Flags |= ioSQEIOLink
	poll.UserData = 0

	recv.Opcode = ioUringOpRecv
	recv.Fd = int32(fd)
	if len(buf) > 0 {
		recv.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	recv.Len = uint32(len(buf))
	recv.UserData = tok

	m.ring.commitSQEs(2)
	return true
}

func (m *uringManager) submit() (int, error) { return m.ring.submit() }

// run is the drain loop: flush pending SQEs, retry anything that was
// waiting on ring capacity, flush those too, then wait on a CQE and
// batch-peek up to 32 completions, delivering each to its event and
// advancing the CQ head. A completion with null user data is the
// precursor of a linked chain (its success is implied by the next
// completion) and is skipped.
func (m *uringManager) run(blocking bool) {
	m.submit()
	m.drainPending()
	m.submit()
	if m.varz != nil {
		m.varz.URingInFlight().Set(float64(len(m.events)))
	}

	var cqe *ioUringCQE
	var err error
	if blocking && m.pending.Len() == 0 {
		cqe, err = m.ring.waitCQE()
	} else {
		cqe = m.ring.peekCQE()
	}
	if err == syscall.EINTR || cqe == nil {
		return
	}
	for i := 0; i < 32; i++ {
		c := m.ring.peekCQE()
		if c == nil {
			break
		}
		tok := c.UserData
		res := c.Res
		m.ring.advanceCQ()
		if tok == 0 {
			continue // linked precursor, success implied by the next CQE
		}
		ev, ok := m.events[tok]
		if !ok {
			continue
		}
		delete(m.events, tok)
		if ev.deadline != nil {
			m.r.timers.remove(ev.deadline)
		}
		var n int
		var e error
		if res < 0 {
			e = newErr(ErrKindIO, syscall.Errno(-res))
		} else {
			n = int(res)
			if n == 0 && !ev.write && ev.buf != nil {
				e = io.EOF
			}
		}
		m.r.awaken(ev.fiber, fiberResume{Value: n, Err: e})
	}
}

func (m *uringManager) wake() {
	var b [1]byte
	syscall.Write(m.wakeW, b[:])
}

func (m *uringManager) drainWake() {
	var b [64]byte
	for {
		n, err := syscall.Read(m.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (m *uringManager) Close() error {
	syscall.Close(m.wakeR)
	syscall.Close(m.wakeW)
	return m.ring.Close()
}

// --- ioDriver/socketBackend adapter ---

func (m *uringManager) drainReady() { m.run(false) }

func (m *uringManager) blockUntil(deadline time.Time, hasDeadline bool) {
	// io_uring_enter has no millisecond-timeout form usable here without
	// IORING_OP_TIMEOUT bookkeeping; the reactor's own timer heap already
	// bounds how long fibers can wait, so block for one completion and
	// let Reactor.Run's timers.expire(now) on the next iteration catch
	// deadlines that fired while we were blocked.
	if hasDeadline && !time.Now().Before(deadline) {
		return
	}
	m.run(true)
}

func (m *uringManager) close() error { return m.Close() }

func (m *uringManager) registerFD(fd int) error { return nil } // io_uring needs no epoll_ctl-style registration

// unregisterFD is a no-op: io_uring has no per-fd registration to undo
// before the accept server hands a socket off to a different reactor.
func (m *uringManager) unregisterFD(fd int) {}

func (m *uringManager) closeFD(fd int) {
	for tok, ev := range m.events {
		if ev.fd == fd {
			delete(m.events, tok)
			if ev.deadline != nil {
				m.r.timers.remove(ev.deadline)
			}
			m.r.awaken(ev.fiber, fiberResume{Err: ErrClosed})
		}
	}
	syscall.Close(fd)
}

// armDeadline registers ev's cancellation with the reactor's timer heap
// when the caller supplied one, mirroring the epoll driver's per-op
// deadline handling (general_linux.go's wait): on expiry it removes the
// still-pending event and resumes its fiber with ErrCancelled, matching
// spec.md 5's "every blocking operation accepts a deadline" for this
// reactor flavour too.
func (m *uringManager) armDeadline(ev *uringEvent, tok uint64, deadline time.Time, hasDeadline bool) {
	if !hasDeadline {
		return
	}
	ev.deadline = m.r.timers.add(deadline, func() {
		if _, ok := m.events[tok]; ok {
			delete(m.events, tok)
			m.r.awaken(ev.fiber, fiberResume{Value: 0, Err: ErrCancelled})
		}
	})
}

func (m *uringManager) waitReadable(fiber *Fiber, fd int, deadline time.Time, hasDeadline bool) error {
	_, err := fiber.suspend(func(f *Fiber) {
		ev := &uringEvent{fiber: f, fd: fd}
		tok := m.assign(ev)
		m.armDeadline(ev, tok, deadline, hasDeadline)
		m.submitOrAwait(func() bool { return m.tryPollAdd(fd, tok, pollInMask, false) })
	})
	return err
}

func (m *uringManager) waitWritable(fiber *Fiber, fd int, deadline time.Time, hasDeadline bool) error {
	_, err := fiber.suspend(func(f *Fiber) {
		ev := &uringEvent{fiber: f, fd: fd, write: true}
		tok := m.assign(ev)
		m.armDeadline(ev, tok, deadline, hasDeadline)
		m.submitOrAwait(func() bool { return m.tryPollAdd(fd, tok, pollOutMask, false) })
	})
	return err
}

func (m *uringManager) read(fiber *Fiber, fd int, buf []byte, deadline time.Time, hasDeadline bool) (int, error) {
	val, err := fiber.suspend(func(f *Fiber) {
		ev := &uringEvent{fiber: f, buf: buf, fd: fd}
		tok := m.assign(ev)
		m.armDeadline(ev, tok, deadline, hasDeadline)
		if m.linkedSQE {
			m.submitOrAwait(func() bool { return m.tryLinkedPollRecv(fd, buf, tok) })
		} else {
			m.submitOrAwait(func() bool { return m.tryRecv(fd, buf, tok) })
		}
	})
	if n, ok := val.(int); ok {
		return n, err
	}
	return 0, err
}

func (m *uringManager) write(fiber *Fiber, fd int, buf []byte, deadline time.Time, hasDeadline bool) (int, error) {
	val, err := fiber.suspend(func(f *Fiber) {
		ev := &uringEvent{fiber: f, buf: buf, fd: fd, write: true}
		tok := m.assign(ev)
		m.armDeadline(ev, tok, deadline, hasDeadline)
		m.submitOrAwait(func() bool { return m.trySend(fd, buf, tok) })
	})
	if n, ok := val.(int); ok {
		return n, err
	}
	return 0, err
}

// newURingReactor builds a Reactor backed by the io_uring manager.
func newURingReactor(index int, sqEntries uint32, linkedSQE bool) (*Reactor, error) {
	m, err := newURingManager(sqEntries, linkedSQE)
	if err != nil {
		return nil, err
	}
	r := newReactor(index, m)
	m.r = r
	return r, nil
}

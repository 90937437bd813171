package reactor

import "container/list"

// readyQueue is an intrusively-linked FIFO of ready fibers, generalising
// the teacher's fdDesc.readers/writers container/list usage to the
// scheduler's own ready set. A fiber is never linked twice (invariant
// enforced via Fiber.linked/readyElem).
type readyQueue struct {
	l list.List
}

func (q *readyQueue) push(f *Fiber) {
	if f.linked {
		return
	}
	f.readyElem = q.l.PushBack(f)
	f.linked = true
}

func (q *readyQueue) pop() *Fiber {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	f := e.Value.(*Fiber)
	f.linked = false
	f.readyElem = nil
	return f
}

func (q *readyQueue) len() int { return q.l.Len() }

func (q *readyQueue) remove(f *Fiber) {
	if !f.linked || f.readyElem == nil {
		return
	}
	q.l.Remove(f.readyElem)
	f.linked = false
	f.readyElem = nil
}

// Package sched is an in-memory deadline scheduler: the "run this after N
// milliseconds" service the deferred-execution subsystem hands its
// trampolines to. Tasks are transient; anything that must survive a restart
// is the caller's problem.
//
// Coordination uses channels instead of sync.Cond so timers and context
// cancellation combine in a single select loop.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/zond/mudbridge"
)

type task struct {
	at        time.Time
	seq       uint64
	id        uint64
	f         func()
	cancelled bool
}

// taskHeap is a binary min-heap ordered by deadline, then submission order.
type taskHeap []*task

func (h taskHeap) less(a, b *task) bool {
	if a.at.Equal(b.at) {
		return a.seq < b.seq
	}
	return a.at.Before(b.at)
}

func (h taskHeap) bubbleUp(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if h.less(h[index], h[parent]) {
			h[index], h[parent] = h[parent], h[index]
			index = parent
		} else {
			break
		}
	}
}

func (h taskHeap) bubbleDown(index int) {
	size := len(h)
	for {
		left := 2*index + 1
		right := 2*index + 2
		smallest := index

		if left < size && h.less(h[left], h[smallest]) {
			smallest = left
		}
		if right < size && h.less(h[right], h[smallest]) {
			smallest = right
		}
		if smallest == index {
			break
		}
		h[index], h[smallest] = h[smallest], h[index]
		index = smallest
	}
}

func (h *taskHeap) push(t *task) {
	*h = append(*h, t)
	h.bubbleUp(len(*h) - 1)
}

func (h *taskHeap) pop() *task {
	old := *h
	if len(old) == 0 {
		return nil
	}
	top := old[0]
	old[0] = old[len(old)-1]
	*h = old[:len(old)-1]
	h.bubbleDown(0)
	return top
}

func (h taskHeap) peek() *task {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// Scheduler runs queued tasks when their deadlines arrive. Cancellation
// marks the task dead in place; the heap skips corpses when they surface.
type Scheduler struct {
	mu     sync.Mutex
	tasks  taskHeap
	byID   map[uint64]*task
	nextID uint64
	wake   chan struct{} // Buffered(1), signals new task or state change
	done   chan struct{} // Closed when Run() exits
	closed bool
}

func New() *Scheduler {
	return &Scheduler{
		byID: map[uint64]*task{},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// signal sends a non-blocking wake signal.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Schedule queues f to run after d and returns a cancellation token.
// Returns 0 after Close.
func (s *Scheduler) Schedule(d time.Duration, f func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.nextID++
	t := &task{
		at:  time.Now().Add(d),
		seq: s.nextID,
		id:  s.nextID,
		f:   f,
	}
	s.tasks.push(t)
	s.byID[t.id] = t
	s.signal()
	return t.id
}

// Cancel prevents a pending task from running. Returns false for unknown or
// already fired tokens.
func (s *Scheduler) Cancel(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, found := s.byID[id]
	if !found {
		return false
	}
	t.cancelled = true
	delete(s.byID, id)
	s.signal()
	return true
}

// Pending returns the number of live queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Close signals the scheduler to stop and waits for Run() to exit.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.done
	return nil
}

// popDue removes and returns the first due live task, dropping cancelled
// corpses on the way. Returns the wait until the next live deadline when
// nothing is due.
func (s *Scheduler) popDue(now time.Time) (*task, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		next := s.tasks.peek()
		if next == nil {
			return nil, 0, false
		}
		if next.cancelled {
			s.tasks.pop()
			continue
		}
		if next.at.After(now) {
			return nil, next.at.Sub(now), true
		}
		s.tasks.pop()
		delete(s.byID, next.id)
		return next, 0, false
	}
}

// Run executes tasks as their deadlines arrive. Blocks until the scheduler
// is closed or the context is cancelled. Due tasks run before returning;
// future tasks stay queued.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	if ctx.Err() != nil {
		return mudbridge.WithStack(ctx.Err())
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}

		var timerC <-chan time.Time
		for {
			t, wait, hasNext := s.popDue(time.Now())
			if t != nil {
				t.f()
				continue
			}
			if hasNext {
				timer.Reset(wait)
				timerC = timer.C
			}
			break
		}

		select {
		case <-timerC:
			// Deadline reached, loop to process.
		case <-s.wake:
			// New task, cancellation or close. Stop timer, drain if fired.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-ctx.Done():
			return mudbridge.WithStack(ctx.Err())
		}
	}
}

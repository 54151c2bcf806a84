package machine

import (
	"fmt"

	"github.com/dolthub/swiss"
)

// ID identifies a thread. Ids are never reused by a Scheduler.
type ID uint64

// A Thread is the handle of a thread spawned by a Scheduler. It is the only
// way for other threads to observe or influence that thread. The handle
// keeps the thread's result slot and local store, so they remain available
// after the thread's scheduling record is reaped.
type Thread struct {
	s      *Scheduler
	id     ID
	res    result                  // guarded by s.mu
	locals *swiss.Map[string, any] // guarded by s.mu, created on first Set
}

type result struct {
	done   bool
	killed bool
	value  any
	err    error
}

// ID returns the thread's identifier.
func (t *Thread) ID() ID { return t.id }

// Status returns the current status of the thread.
func (t *Thread) Status() Status {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.statusLocked()
}

// Alive returns true if the thread is running, sleeping or aborting.
func (t *Thread) Alive() bool {
	return t.Status().Alive()
}

// Stopped returns true if the thread is sleeping (which includes waiting on
// a mutex or in Join).
func (t *Thread) Stopped() bool {
	return t.Status() == StatusSleep
}

func (t *Thread) String() string {
	return t.inspect(t.Status())
}

// Snapshot captures the observable state of the thread.
func (t *Thread) Snapshot() Snapshot {
	t.s.mu.Lock()
	st := t.statusLocked()
	t.s.mu.Unlock()

	return Snapshot{
		Thread:  t,
		Status:  st,
		Alive:   st.Alive(),
		Stop:    st == StatusSleep,
		Inspect: t.inspect(st),
	}
}

func (t *Thread) inspect(st Status) string {
	return fmt.Sprintf("#<Thread:0x%04x %s>", uint64(t.id), st)
}

func (t *Thread) statusLocked() Status {
	r, ok := t.s.threads.Get(t.id)
	if !ok {
		return StatusReaped
	}
	return r.status()
}

// Kill requests the termination of the thread. It returns immediately and
// the thread unwinds (running its ensure-stack) at its next suspension point,
// a Join is required to observe its completion. When called from the
// thread's own body, the kill is delivered immediately and Kill does not
// return. Killing a dead or already killed thread has no effect.
func (t *Thread) Kill() {
	s := t.s
	s.mu.Lock()

	r, ok := s.threads.Get(t.id)
	if !ok || r.state == stateDead {
		s.mu.Unlock()
		return
	}
	s.killLocked(r)
	if r == s.callerLocked() {
		s.leave(r)
		return
	}
	s.scheduleLocked()
	s.mu.Unlock()
}

// Join waits for the thread to terminate and returns the failure it
// terminated with, if any. A killed thread terminates without failure. Join
// may be called any number of times, it always reports the same result. The
// thread record is reaped when Join returns, after which its status is
// StatusReaped.
func (t *Thread) Join() error {
	_, err := t.join("join")
	return err
}

// Value is like Join but also returns the value returned by the thread's
// body.
func (t *Thread) Value() (any, error) {
	res, err := t.join("value")
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

func (t *Thread) join(op string) (result, error) {
	s := t.s
	s.mu.Lock()
	if t.res.done {
		s.threads.Delete(t.id)
		res := t.res
		s.mu.Unlock()
		return res, res.err
	}
	s.mu.Unlock()

	r, err := s.current(op)
	if err != nil {
		return result{}, err
	}
	if r.th == t {
		s.mu.Unlock()
		return result{}, &ThreadError{Op: op, Reason: "target thread must not be current thread"}
	}

	s.stepLocked()
	for !t.res.done && !r.pending() {
		if r.joining == nil {
			target, ok := s.threads.Get(t.id)
			if !ok {
				s.mu.Unlock()
				return result{}, &ThreadError{Op: op, Reason: "thread does not belong to this run"}
			}
			target.joiners = append(target.joiners, r)
			r.joining = target
		}
		s.blockLocked(r, blockJoin)
	}
	if target := r.joining; target != nil {
		target.joiners = remove(target.joiners, r)
		r.joining = nil
	}
	if sig := s.signalLocked(r); sig != nil {
		s.mu.Unlock()
		panic(sig)
	}

	s.threads.Delete(t.id)
	res := t.res
	s.mu.Unlock()
	return res, res.err
}

// Wakeup makes a sleeping thread eligible for scheduling. It fails with a
// *ThreadError if the thread is dead or is not sleeping. A thread waiting on
// a mutex or in Join is made runnable too, but it keeps its place in the
// wait and goes back to sleep when it runs if the wait is not over.
// Wakeups are not queued: a thread that has not reached its sleep yet cannot
// be woken up.
func (t *Thread) Wakeup() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.threads.Get(t.id)
	if !ok || r.state == stateDead {
		return &ThreadError{Op: "wakeup", Reason: "killed thread"}
	}
	if r.state != stateBlocked {
		return &ThreadError{Op: "wakeup", Reason: "thread is not asleep"}
	}
	switch r.block {
	case blockMutex, blockJoin:
		s.enqueueLocked(r)
	default:
		s.unblockLocked(r)
	}
	s.scheduleLocked()
	return nil
}

// Run wakes up the thread and, if called from the body of the current
// thread, passes the processor.
func (t *Thread) Run() error {
	if err := t.Wakeup(); err != nil {
		return err
	}
	s := t.s
	s.mu.Lock()
	inBody := s.callerLocked() != nil
	s.mu.Unlock()
	if inBody {
		s.Pass()
	}
	return nil
}

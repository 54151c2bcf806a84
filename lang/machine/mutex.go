package machine

// A Mutex is a lock owned by at most one thread of a Scheduler. Threads that
// contend for it wait in FIFO order and are granted ownership in that order.
type Mutex struct {
	s     *Scheduler
	owner *record   // guarded by s.mu
	waitq []*record // guarded by s.mu
}

// NewMutex returns a new unlocked mutex for threads of s.
func (s *Scheduler) NewMutex() *Mutex {
	return &Mutex{s: s}
}

// Lock acquires the mutex for the calling thread. If it is owned by another
// thread, the calling thread is queued and sleeps until ownership is
// transferred to it. Locking a mutex already owned by the calling thread
// fails with a *ThreadError.
func (m *Mutex) Lock() error {
	s := m.s
	r, err := s.current("lock")
	if err != nil {
		return err
	}

	switch m.owner {
	case nil:
		m.acquireLocked(r)
		s.mu.Unlock()
		return nil
	case r:
		s.mu.Unlock()
		return &ThreadError{Op: "lock", Reason: "deadlock; recursive locking"}
	}

	s.stepLocked()
	if !r.pending() {
		m.waitq = append(m.waitq, r)
		r.waitMu = m
	}
	for m.owner != r && !r.pending() {
		s.blockLocked(r, blockMutex)
	}
	if r.waitMu == m {
		m.waitq = remove(m.waitq, r)
		r.waitMu = nil
	}
	s.leave(r)
	return nil
}

// TryLock acquires the mutex if it is not locked and returns true, otherwise
// it returns false without blocking.
func (m *Mutex) TryLock() bool {
	s := m.s
	r, err := s.current("lock")
	if err != nil {
		return false
	}
	defer s.mu.Unlock()

	if m.owner != nil {
		return false
	}
	m.acquireLocked(r)
	return true
}

// Unlock releases the mutex and transfers its ownership to the first waiting
// thread, if any. It fails with a *ThreadError if the mutex is not locked or
// is owned by another thread. Unlock is not a suspension point.
func (m *Mutex) Unlock() error {
	s := m.s
	r, err := s.current("unlock")
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	switch m.owner {
	case nil:
		return &ThreadError{Op: "unlock", Reason: "attempt to unlock a mutex which is not locked"}
	case r:
	default:
		return &ThreadError{Op: "unlock", Reason: "attempt to unlock a mutex which is locked by another thread"}
	}
	r.owned = remove(r.owned, m)
	m.handoffLocked()
	return nil
}

// Locked returns true if the mutex is owned by a thread.
func (m *Mutex) Locked() bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.owner != nil
}

// Owned returns true if the mutex is owned by the calling thread.
func (m *Mutex) Owned() bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.owner != nil && m.owner == m.s.callerLocked()
}

// Synchronize locks the mutex, runs fn and unlocks the mutex, even if the
// thread is killed while running fn.
func (m *Mutex) Synchronize(fn func() error) error {
	if err := m.Lock(); err != nil {
		return err
	}
	return m.s.Ensure(fn, m.Unlock)
}

func (m *Mutex) acquireLocked(r *record) {
	m.owner = r
	r.owned = append(r.owned, m)
}

// handoffLocked releases the mutex from its current owner (which must have
// removed it from its owned list) and grants it to the head of the wait
// queue.
func (m *Mutex) handoffLocked() {
	m.owner = nil
	if len(m.waitq) == 0 {
		return
	}

	next := m.waitq[0]
	m.waitq = m.waitq[1:]
	next.waitMu = nil
	m.acquireLocked(next)
	if next.state == stateBlocked {
		m.s.unblockLocked(next)
	}
}

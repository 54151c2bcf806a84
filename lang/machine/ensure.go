package machine

// Ensure runs body with cleanup pushed on the calling thread's ensure-stack,
// and runs cleanup when body terminates, whether it returns (with or without
// an error) or is unwound by a kill or a failure. Nested calls run their
// cleanups in reverse registration order.
//
// If cleanup returns an error, it overrides the outcome of body: it is
// returned instead of body's error, and if the thread was being killed it
// terminates with that failure instead.
//
// A thread killed while it has a non-empty ensure-stack reports
// StatusAborting until its cleanups are done. It panics with a
// *NoCurrentThreadError if called outside a thread body.
func (s *Scheduler) Ensure(body, cleanup func() error) (err error) {
	r := s.enter("ensure")
	r.ensures++
	s.mu.Unlock()

	defer func() {
		x := recover()
		if x != nil {
			x = toSignal(x)
		}

		s.mu.Lock()
		r.ensures--
		s.mu.Unlock()

		cerr := cleanup()
		switch {
		case x != nil && cerr != nil:
			panic(failSignal{err: cerr})
		case x != nil:
			panic(x)
		case cerr != nil:
			err = cerr
		}
	}()
	return body()
}

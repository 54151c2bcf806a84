package machine

// Critical returns true if the critical flag is raised by any thread.
func (s *Scheduler) Critical() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.critical != nil
}

// SetCritical raises or lowers the critical flag for the calling thread.
// While it is raised, Pass does not switch away from the calling thread; the
// scheduler only switches when that thread blocks (the flag stays raised
// while it sleeps, waits on a mutex or in Join) and gives it the processor
// back as soon as it is runnable again. Stop and thread termination lower
// the flag.
//
// Raising the flag while another thread holds it, or lowering it when it was
// raised by another thread, fails with a *ThreadError. Lowering it when it is
// not raised has no effect.
func (s *Scheduler) SetCritical(on bool) error {
	r, err := s.current("critical")
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	switch {
	case s.critical == nil:
		if on {
			s.critical = r
		}
	case s.critical != r:
		return &ThreadError{Op: "critical", Reason: "critical flag is held by another thread"}
	case !on:
		s.critical = nil
	}
	s.log.Debug().Uint64("thread", uint64(r.th.id)).Bool("critical", s.critical != nil).Msg("critical")
	return nil
}

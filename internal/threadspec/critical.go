package threadspec

import (
	"fmt"

	"github.com/mna/brindille/lang/machine"
)

// localKey is the thread-local key used by the critical section handshake.
const localKey = "thread_specs"

// CriticalIsReset spawns a thread that checks that the critical flag is
// lowered initially and after it raised and lowered it.
func CriticalIsReset(s *machine.Scheduler) (bool, error) {
	t := s.Spawn(func() (any, error) {
		initial := s.Critical()
		if err := s.SetCritical(true); err != nil {
			return false, err
		}
		if err := s.SetCritical(false); err != nil {
			return false, err
		}
		return !initial && !s.Critical(), nil
	})
	v, err := t.Value()
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// CreateCriticalThread spawns a thread that runs fn with the critical flag
// raised.
func CreateCriticalThread(s *machine.Scheduler, fn func() error) *machine.Thread {
	return s.Spawn(func() (any, error) {
		if err := s.SetCritical(true); err != nil {
			return nil, err
		}
		if err := fn(); err != nil {
			return nil, err
		}
		return nil, s.SetCritical(false)
	})
}

// CreateAndKillCriticalThread spawns a thread that raises the critical flag
// and kills itself, optionally passing after the kill. Anything recorded on
// pad means the thread survived its own kill.
func CreateAndKillCriticalThread(s *machine.Scheduler, passAfterKill bool, pad *Pad) *machine.Thread {
	return CreateCriticalThread(s, func() error {
		cur, err := s.Current()
		if err != nil {
			return err
		}
		cur.Kill()
		if passAfterKill {
			s.Pass()
		}
		pad.Record("status=" + cur.Status().String())
		return nil
	})
}

// A Counter is incremented by threads inside a critical section.
type Counter struct {
	n int
}

// Value returns the counter's value.
func (c *Counter) Value() int { return c.n }

// IncrementCounter increments c incr times. Each increment reads the value,
// passes and writes the incremented value back with the critical flag
// raised, so concurrent increments from other threads are never lost.
func IncrementCounter(s *machine.Scheduler, c *Counter, incr int) error {
	for i := 0; i < incr; i++ {
		err := s.Ensure(func() error {
			if err := s.SetCritical(true); err != nil {
				return err
			}
			v := c.n
			s.Pass()
			c.n = v + 1
			return nil
		}, func() error {
			return s.SetCritical(false)
		})
		if err != nil {
			return err
		}
		s.Pass()
	}
	return nil
}

// Yield is how the critical thread of CriticalThreadYieldsToMain gives the
// processor to the main thread.
type Yield int

// List of yield modes.
const (
	// YieldSleep sleeps, the critical flag stays raised.
	YieldSleep Yield = iota
	// YieldStop stops, which lowers the critical flag.
	YieldStop
)

func (y Yield) String() string {
	if y == YieldStop {
		return "stop"
	}
	return "sleep"
}

type handshake struct {
	afterFirstSleep bool
}

// CriticalThreadYieldsToMain runs a handshake between the calling thread,
// which must be the main thread, and a thread that raises the critical flag
// and then blocks according to y. The main thread observes the critical flag,
// stores a thread-local value on the critical thread and wakes it up, and the
// critical thread checks that value and the state of the flag before waking
// the main thread up for the last time.
func CriticalThreadYieldsToMain(s *machine.Scheduler, y Yield) error {
	var hs handshake

	main := s.Main()
	ct := s.Spawn(func() (any, error) {
		PassUntil(s, main, machine.StatusSleep)
		if err := s.SetCritical(true); err != nil {
			return nil, err
		}
		cur, err := s.Current()
		if err != nil {
			return nil, err
		}
		if cur.Key(localKey) {
			return nil, fmt.Errorf("%s: unexpected thread-local %q", y, localKey)
		}
		if err := main.Wakeup(); err != nil {
			return nil, err
		}

		if y == YieldStop {
			s.Stop()
		} else {
			s.Sleep()
		}

		for !hs.afterFirstSleep {
			s.Pass()
		}
		PassUntil(s, main, machine.StatusSleep)

		if v := cur.Get(localKey); v != 101 {
			return nil, fmt.Errorf("%s: want thread-local %q to be 101, got %v", y, localKey, v)
		}
		if want := y != YieldStop; s.Critical() != want {
			return nil, fmt.Errorf("%s: want critical %t, got %t", y, want, !want)
		}
		if y != YieldStop {
			if err := s.SetCritical(false); err != nil {
				return nil, err
			}
		}
		return nil, main.Wakeup()
	})

	s.Sleep()
	hs.afterFirstSleep = true

	if y != YieldStop && !s.Critical() {
		return fmt.Errorf("%s: want critical flag raised by the sleeping thread", y)
	}
	if err := ct.Set(localKey, 101); err != nil {
		return err
	}
	PassUntil(s, ct, machine.StatusSleep)
	if err := ct.Wakeup(); err != nil {
		return err
	}

	s.Sleep()
	s.Pass()
	if err := ct.Join(); err != nil {
		return err
	}
	if s.Critical() {
		return fmt.Errorf("%s: want critical flag lowered", y)
	}
	return nil
}

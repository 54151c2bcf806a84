// Package threadspec implements executable thread scenarios: threads in a
// given state, dying threads with ensure blocks and critical section
// handshakes. They are used by the status command and by the tests of the
// machine package's behaviour.
//
// Shared state between threads (the scratch pad, counters, handshake flags)
// is held in explicit objects accessed only from thread bodies, so accesses
// are serialized by the scheduler.
package threadspec

import (
	"context"
	"errors"
	"fmt"

	"github.com/mna/brindille/lang/machine"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MaxSteps bounds the number of suspension points of a scenario, so that a
// busy-wait loop that never observes its condition fails instead of hanging.
const MaxSteps = 10_000

// A Pad records values from thread bodies, in order.
type Pad struct {
	entries []any
}

// Record appends v to the pad.
func (p *Pad) Record(v any) {
	if p != nil {
		p.entries = append(p.entries, v)
	}
}

// Entries returns the recorded values.
func (p *Pad) Entries() []any {
	if p == nil {
		return nil
	}
	return p.entries
}

// NewScheduler returns a scheduler configured for scenarios.
func NewScheduler(log *zerolog.Logger) *machine.Scheduler {
	return &machine.Scheduler{MaxSteps: MaxSteps, Logger: log}
}

// PassUntil passes the processor until t has status st or is no longer
// alive.
func PassUntil(s *machine.Scheduler, t *machine.Thread, st machine.Status) {
	for {
		cur := t.Status()
		if cur == st || !cur.Alive() {
			return
		}
		s.Pass()
	}
}

// SleepingThread spawns a thread that sleeps and records "woken" once woken
// up.
func SleepingThread(s *machine.Scheduler, pad *Pad) *machine.Thread {
	return s.Spawn(func() (any, error) {
		s.Sleep()
		pad.Record("woken")
		return nil, nil
	})
}

// RunningThread spawns a thread that passes forever.
func RunningThread(s *machine.Scheduler) *machine.Thread {
	return s.Spawn(func() (any, error) {
		for {
			s.Pass()
		}
	})
}

// CompletedThread spawns a thread that terminates immediately.
func CompletedThread(s *machine.Scheduler) *machine.Thread {
	return s.Spawn(func() (any, error) { return nil, nil })
}

// DyingThreadEnsures spawns a thread that kills itself while cleanup is on
// its ensure-stack.
func DyingThreadEnsures(s *machine.Scheduler, cleanup func() error) *machine.Thread {
	return s.Spawn(func() (any, error) {
		return nil, s.Ensure(killCurrent(s), cleanup)
	})
}

// DyingThreadWithOuterEnsure spawns a thread that kills itself inside two
// nested ensure blocks: the inner cleanup fails with "In dying thread", the
// outer one runs outer.
func DyingThreadWithOuterEnsure(s *machine.Scheduler, outer func() error) *machine.Thread {
	return s.Spawn(func() (any, error) {
		return nil, s.Ensure(func() error {
			return s.Ensure(killCurrent(s), func() error {
				return errors.New("In dying thread")
			})
		}, outer)
	})
}

// JoinDyingThreadWithOuterEnsure runs DyingThreadWithOuterEnsure and joins
// the thread, which must report the inner cleanup's failure.
func JoinDyingThreadWithOuterEnsure(s *machine.Scheduler, outer func() error) (*machine.Thread, error) {
	t := DyingThreadWithOuterEnsure(s, outer)
	err := t.Join()
	if err == nil || err.Error() != "In dying thread" {
		return t, fmt.Errorf("join: want failure %q, got %v", "In dying thread", err)
	}
	return t, nil
}

// WakeupDyingSleepingThread spawns a dying thread whose cleanup is expected
// to sleep, waits for it to sleep, wakes it up and joins it.
func WakeupDyingSleepingThread(s *machine.Scheduler, cleanup func() error) error {
	t := DyingThreadEnsures(s, cleanup)
	PassUntil(s, t, machine.StatusSleep)
	if err := t.Wakeup(); err != nil {
		return err
	}
	return t.Join()
}

func killCurrent(s *machine.Scheduler) func() error {
	return func() error {
		cur, err := s.Current()
		if err != nil {
			return err
		}
		cur.Kill()
		return nil
	}
}

// StatusFunc runs a status scenario on a new scheduler and returns the
// snapshot it captured.
type StatusFunc func(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error)

// Statuses lists the status scenarios by name.
var Statuses = map[string]StatusFunc{
	"aborting":       StatusOfAbortingThread,
	"blocked":        StatusOfBlockedThread,
	"completed":      StatusOfCompletedThread,
	"current":        StatusOfCurrentThread,
	"dying-running":  StatusOfDyingRunningThread,
	"dying-sleeping": StatusOfDyingSleepingThread,
	"killed":         StatusOfKilledThread,
	"running":        StatusOfRunningThread,
	"sleeping":       StatusOfSleepingThread,
	"uncaught":       StatusOfThreadWithUncaughtError,
}

// StatusNames returns the sorted names of the status scenarios.
func StatusNames() []string {
	names := maps.Keys(Statuses)
	slices.Sort(names)
	return names
}

func runStatus(ctx context.Context, log *zerolog.Logger, fn func(*machine.Scheduler) (machine.Snapshot, error)) (machine.Snapshot, error) {
	var snap machine.Snapshot
	s := NewScheduler(log)
	_, err := s.Run(ctx, func() (any, error) {
		var err error
		snap, err = fn(s)
		return nil, err
	})
	return snap, err
}

func StatusOfCurrentThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		t := s.Spawn(func() (any, error) {
			cur, err := s.Current()
			if err != nil {
				return nil, err
			}
			return cur.Snapshot(), nil
		})
		v, err := t.Value()
		if err != nil {
			return machine.Snapshot{}, err
		}
		return v.(machine.Snapshot), nil
	})
}

func StatusOfRunningThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		t := RunningThread(s)
		PassUntil(s, t, machine.StatusRun)
		snap := t.Snapshot()
		t.Kill()
		return snap, t.Join()
	})
}

func StatusOfCompletedThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		t := CompletedThread(s)
		if err := t.Join(); err != nil {
			return machine.Snapshot{}, err
		}
		return t.Snapshot(), nil
	})
}

func StatusOfSleepingThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		t := SleepingThread(s, nil)
		PassUntil(s, t, machine.StatusSleep)
		snap := t.Snapshot()
		if err := t.Run(); err != nil {
			return snap, err
		}
		return snap, t.Join()
	})
}

func StatusOfBlockedThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		m := s.NewMutex()
		if err := m.Lock(); err != nil {
			return machine.Snapshot{}, err
		}
		t := s.Spawn(func() (any, error) { return nil, m.Lock() })
		PassUntil(s, t, machine.StatusSleep)
		snap := t.Snapshot()
		if err := m.Unlock(); err != nil {
			return snap, err
		}
		return snap, t.Join()
	})
}

func StatusOfAbortingThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		t := s.Spawn(func() (any, error) {
			return nil, s.Ensure(func() error {
				s.Sleep()
				return nil
			}, func() error {
				s.Pass()
				return nil
			})
		})
		PassUntil(s, t, machine.StatusSleep)

		var snap machine.Snapshot
		err := s.Ensure(func() error {
			if err := s.SetCritical(true); err != nil {
				return err
			}
			t.Kill()
			snap = t.Snapshot()
			return nil
		}, func() error {
			return s.SetCritical(false)
		})
		if err != nil {
			return snap, err
		}
		return snap, t.Join()
	})
}

func StatusOfKilledThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		t := SleepingThread(s, nil)
		PassUntil(s, t, machine.StatusSleep)
		t.Kill()
		if err := t.Join(); err != nil {
			return machine.Snapshot{}, err
		}
		return t.Snapshot(), nil
	})
}

func StatusOfThreadWithUncaughtError(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		t := s.Spawn(func() (any, error) { return nil, errors.New("error") })
		if err := t.Join(); err == nil {
			return machine.Snapshot{}, errors.New("join: want the thread's failure")
		}
		return t.Snapshot(), nil
	})
}

func StatusOfDyingRunningThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		var snap machine.Snapshot
		t := DyingThreadEnsures(s, func() error {
			cur, err := s.Current()
			if err != nil {
				return err
			}
			snap = cur.Snapshot()
			return nil
		})
		return snap, t.Join()
	})
}

func StatusOfDyingSleepingThread(ctx context.Context, log *zerolog.Logger) (machine.Snapshot, error) {
	return runStatus(ctx, log, func(s *machine.Scheduler) (machine.Snapshot, error) {
		t := DyingThreadEnsures(s, func() error {
			s.Stop()
			return nil
		})
		PassUntil(s, t, machine.StatusSleep)
		snap := t.Snapshot()
		if err := t.Wakeup(); err != nil {
			return snap, err
		}
		return snap, t.Join()
	})
}

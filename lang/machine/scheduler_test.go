package machine_test

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mna/brindille/internal/threadspec"
	"github.com/mna/brindille/lang/machine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes body as the main thread of s and requires it to succeed.
// Assertions inside thread bodies must use assert, not require.
func run(t *testing.T, s *machine.Scheduler, body func() error) {
	t.Helper()
	_, err := s.Run(context.Background(), func() (any, error) {
		return nil, body()
	})
	require.NoError(t, err)
}

func newScheduler() *machine.Scheduler {
	return &machine.Scheduler{MaxSteps: threadspec.MaxSteps}
}

func TestRunResult(t *testing.T) {
	s := newScheduler()
	v, err := s.Run(context.Background(), func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	// the scheduler can be reused
	_, err = s.Run(context.Background(), func() (any, error) { return nil, errors.New("boom") })
	assert.EqualError(t, err, "boom")
}

func TestRunNested(t *testing.T) {
	s := newScheduler()
	run(t, s, func() error {
		_, err := s.Run(context.Background(), func() (any, error) { return nil, nil })
		var te *machine.ThreadError
		assert.ErrorAs(t, err, &te)
		return nil
	})
}

func TestOutsideBody(t *testing.T) {
	s := newScheduler()

	_, err := s.Current()
	var nct *machine.NoCurrentThreadError
	require.ErrorAs(t, err, &nct)
	assert.Equal(t, "current", nct.Op)

	assert.Panics(t, func() { s.Spawn(func() (any, error) { return nil, nil }) })
	assert.Panics(t, func() { s.Pass() })
	assert.Nil(t, s.Main())
}

func TestMainAndCurrent(t *testing.T) {
	s := newScheduler()
	run(t, s, func() error {
		cur, err := s.Current()
		if err != nil {
			return err
		}
		assert.Same(t, s.Main(), cur)
		assert.Equal(t, machine.ID(1), cur.ID())

		th := s.Spawn(func() (any, error) {
			cur, err := s.Current()
			if err != nil {
				return nil, err
			}
			assert.NotSame(t, s.Main(), cur)
			return cur.ID(), nil
		})
		v, err := th.Value()
		assert.Equal(t, machine.ID(2), v)
		return err
	})
}

func TestSpawnOrder(t *testing.T) {
	var log []string

	s := newScheduler()
	run(t, s, func() error {
		var ths []*machine.Thread
		for _, name := range []string{"a", "b", "c"} {
			name := name
			ths = append(ths, s.Spawn(func() (any, error) {
				log = append(log, name)
				return nil, nil
			}))
		}
		log = append(log, "main")
		for _, th := range ths {
			if err := th.Join(); err != nil {
				return err
			}
		}
		return nil
	})
	assert.Equal(t, []string{"main", "a", "b", "c"}, log)
}

func TestPassInterleaves(t *testing.T) {
	var log []string

	s := newScheduler()
	run(t, s, func() error {
		body := func(name string) machine.Body {
			return func() (any, error) {
				log = append(log, name+"1")
				s.Pass()
				log = append(log, name+"2")
				return nil, nil
			}
		}
		a, b := s.Spawn(body("a")), s.Spawn(body("b"))
		if err := a.Join(); err != nil {
			return err
		}
		return b.Join()
	})
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, log)
}

func TestMainTerminationKillsThreads(t *testing.T) {
	var log []string

	s := newScheduler()
	v, err := s.Run(context.Background(), func() (any, error) {
		s.Spawn(func() (any, error) {
			return nil, s.Ensure(func() error {
				s.Sleep()
				log = append(log, "woken")
				return nil
			}, func() error {
				log = append(log, "cleanup")
				return nil
			})
		})
		s.Pass()
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, []string{"cleanup"}, log)
}

func TestPanicError(t *testing.T) {
	s := newScheduler()
	run(t, s, func() error {
		th := s.Spawn(func() (any, error) { panic("boom") })
		err := th.Join()

		var pe *machine.PanicError
		if assert.ErrorAs(t, err, &pe) {
			assert.Equal(t, "boom", pe.Value)
			assert.NotEmpty(t, pe.Stack)
		}
		return nil
	})
}

func TestGoexit(t *testing.T) {
	s := newScheduler()
	run(t, s, func() error {
		th := s.Spawn(func() (any, error) {
			runtime.Goexit()
			return nil, nil
		})
		assert.EqualError(t, th.Join(), "thread body exited without returning")
		return nil
	})
}

func TestDeadlock(t *testing.T) {
	t.Run("sleep", func(t *testing.T) {
		s := newScheduler()
		_, err := s.Run(context.Background(), func() (any, error) {
			s.Sleep()
			return nil, nil
		})
		assert.ErrorIs(t, err, machine.ErrDeadlock)
	})

	t.Run("join", func(t *testing.T) {
		var log []string

		s := newScheduler()
		_, err := s.Run(context.Background(), func() (any, error) {
			th := s.Spawn(func() (any, error) {
				return nil, s.Ensure(func() error {
					s.Stop()
					return nil
				}, func() error {
					log = append(log, "cleanup")
					return nil
				})
			})
			return nil, th.Join()
		})
		assert.ErrorIs(t, err, machine.ErrDeadlock)
		assert.Equal(t, []string{"cleanup"}, log)
	})

	t.Run("mutex", func(t *testing.T) {
		s := newScheduler()
		_, err := s.Run(context.Background(), func() (any, error) {
			m := s.NewMutex()
			th := s.Spawn(func() (any, error) {
				if err := m.Lock(); err != nil {
					return nil, err
				}
				s.Sleep()
				return nil, m.Unlock()
			})
			threadspec.PassUntil(s, th, machine.StatusSleep)
			return nil, m.Lock()
		})
		assert.ErrorIs(t, err, machine.ErrDeadlock)
	})
}

func TestMaxSteps(t *testing.T) {
	var cleanup bool

	s := &machine.Scheduler{MaxSteps: 100}
	_, err := s.Run(context.Background(), func() (any, error) {
		s.Spawn(func() (any, error) {
			return nil, s.Ensure(func() error {
				for {
					s.Pass()
				}
			}, func() error {
				cleanup = true
				return nil
			})
		})
		for {
			s.Pass()
		}
	})
	assert.ErrorIs(t, err, machine.ErrMaxSteps)
	assert.True(t, cleanup)
}

func TestContextCancel(t *testing.T) {
	var cleanup bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newScheduler()
	_, err := s.Run(ctx, func() (any, error) {
		return nil, s.Ensure(func() error {
			cancel()
			s.SleepFor(time.Hour)
			return nil
		}, func() error {
			cleanup = true
			return nil
		})
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, cleanup)
}

func TestSleepFor(t *testing.T) {
	s := newScheduler()
	run(t, s, func() error {
		start := time.Now()
		s.SleepFor(10 * time.Millisecond)
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

		// woken up before the delay expires
		th := s.Spawn(func() (any, error) {
			s.SleepFor(time.Hour)
			return "woken", nil
		})
		threadspec.PassUntil(s, th, machine.StatusSleep)
		if err := th.Wakeup(); err != nil {
			return err
		}
		v, err := th.Value()
		assert.Equal(t, "woken", v)
		return err
	})
}

func TestTransitionLogs(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	s := &machine.Scheduler{Logger: &log}
	run(t, s, func() error {
		th := threadspec.SleepingThread(s, nil)
		threadspec.PassUntil(s, th, machine.StatusSleep)
		if err := th.Run(); err != nil {
			return err
		}
		return th.Join()
	})

	out := buf.String()
	assert.Contains(t, out, `"message":"status"`)
	assert.Contains(t, out, `"from":"run","to":"sleep"`)
	assert.Contains(t, out, `"from":"sleep","to":"run"`)
	assert.Contains(t, out, `"to":"dead"`)
	assert.True(t, strings.HasSuffix(out, "\n"))
}

package machine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dolthub/swiss"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// Body is the code executed by a thread. Its return values are recorded in
// the thread's result slot and reported by Join and Value.
//
// Kills and scheduler failures are delivered to the body as panics raised at
// suspension points, so a body must not recover panics it does not own. A
// thread that swallows its kill and returns is still reported as killed.
type Body func() (any, error)

// A Scheduler runs green threads cooperatively on a single logical
// processor. Each thread executes on its own goroutine, but only the
// goroutine of the current thread runs at any given time: the processor is
// handed from one thread to the next only at suspension points (Pass, Sleep,
// SleepFor, Stop, a contended Mutex.Lock, a Join on a live thread, killing
// the current thread, and thread start and completion).
//
// Scheduler methods that act on "the calling thread" must be called from the
// goroutine of the current thread's body. Called from any other goroutine,
// they behave as if called outside a thread body.
//
// The zero value is ready to use.
type Scheduler struct {
	// MaxSteps is the maximum number of suspension points the scheduler goes
	// through before all threads are cancelled with ErrMaxSteps. A value <= 0
	// means no limit.
	MaxSteps int

	// Logger receives a debug entry for each status transition of a thread. If
	// nil, nothing is logged.
	Logger *zerolog.Logger

	mu        sync.Mutex
	threads   *swiss.Map[ID, *record] // thread registry, records are removed when reaped
	live      []*record               // live threads, in id order
	runq      []*record
	cur       *record
	main      *record
	critical  *record // owner of the critical flag
	lastID    ID
	gen       uint64 // incremented on each Run, to ignore stale timers
	timers    int    // number of armed sleep timers
	steps     uint64
	maxSteps  uint64
	cancelErr error
	running   bool
	shutdown  bool // main thread is dead, remaining threads are being killed
	done      chan struct{}
	log       zerolog.Logger
}

// record is the scheduler-owned state of a thread. All fields are guarded by
// the scheduler's mutex.
type record struct {
	th          *Thread
	state       runState
	block       blockKind
	aborting    bool
	killed      bool // kill requested, subsequent kills are no-ops
	killPending bool
	failPending error
	ensures     int // depth of the ensure-stack
	wake        chan struct{}
	gid         uint64 // goroutine running the body

	joiners []*record // threads blocked in Join on this thread
	joining *record   // thread this one is joining
	waitMu  *Mutex    // mutex this thread is queued on
	owned   []*Mutex
	timer   *time.Timer

	sleepGen uint64
}

func (r *record) status() Status {
	switch r.state {
	case stateDead:
		return StatusDead
	case stateBlocked:
		return StatusSleep
	}
	if r.aborting {
		return StatusAborting
	}
	return StatusRun
}

func (r *record) pending() bool {
	return r.killPending || r.failPending != nil
}

func (s *Scheduler) init() {
	// initialization at the start of each Run
	if s.MaxSteps <= 0 {
		s.maxSteps = 0
		s.maxSteps-- // (MaxUint64)
	} else {
		s.maxSteps = uint64(s.MaxSteps)
	}
	if s.Logger != nil {
		s.log = *s.Logger
	} else {
		s.log = zerolog.Nop()
	}

	s.threads = swiss.NewMap[ID, *record](8)
	s.live, s.runq = nil, nil
	s.cur, s.main, s.critical = nil, nil, nil
	s.gen++
	s.timers = 0
	s.steps = 0
	s.cancelErr = nil
	s.shutdown = false
	s.done = make(chan struct{})
	s.running = true
}

// Run executes body as the main thread and drives all threads until every
// one of them is dead. When the main thread terminates, all remaining live
// threads are killed and their ensure-stacks unwound before Run returns. It
// returns the value and failure recorded for the main thread.
//
// If ctx is cancelled, every thread is killed and Run returns an error that
// wraps the cancellation cause.
func (s *Scheduler) Run(ctx context.Context, body Body) (any, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, &ThreadError{Op: "run", Reason: "scheduler is already running"}
	}
	s.init()
	main := s.spawnLocked(body)
	s.main = main
	done := s.done
	s.scheduleLocked()
	s.mu.Unlock()

	go s.watch(ctx, done)
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()

	res := main.th.res
	if res.killed && s.cancelErr != nil {
		return nil, fmt.Errorf("scheduler cancelled: %w", s.cancelErr)
	}
	return res.value, res.err
}

func (s *Scheduler) watch(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cancelLocked(context.Cause(ctx))
	}
}

// Spawn creates a new thread that executes body, and returns its handle. The
// new thread is runnable and starts at the next scheduling opportunity, the
// caller is never suspended. It panics with a *NoCurrentThreadError if called
// outside a thread body.
func (s *Scheduler) Spawn(body Body) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callerLocked() == nil {
		panic(&NoCurrentThreadError{Op: "spawn"})
	}
	return s.spawnLocked(body).th
}

// Current returns the handle of the thread currently executing.
func (s *Scheduler) Current() (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.callerLocked()
	if r == nil {
		return nil, &NoCurrentThreadError{Op: "current"}
	}
	return r.th, nil
}

// Main returns the handle of the main thread of the current (or latest) Run,
// or nil if Run was never called.
func (s *Scheduler) Main() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.main == nil {
		return nil
	}
	return s.main.th
}

// Pass is a cooperative yield point: the calling thread relinquishes the
// processor to the next runnable thread. If the calling thread holds the
// critical flag, it keeps the processor, but pending kills are still
// delivered.
func (s *Scheduler) Pass() {
	r := s.enter("pass")
	s.stepLocked()
	if !r.pending() && s.critical != r {
		s.enqueueLocked(r)
		s.switchLocked(r)
	}
	s.leave(r)
}

// Sleep suspends the calling thread until it is woken up by Thread.Wakeup
// or Thread.Run, or killed. The critical flag is kept if the calling thread
// holds it.
func (s *Scheduler) Sleep() {
	r := s.enter("sleep")
	s.stepLocked()
	if !r.pending() {
		s.blockLocked(r, blockSleep)
	}
	s.leave(r)
}

// SleepFor suspends the calling thread for at least d, or until it is woken
// up or killed. A duration <= 0 is equivalent to Pass.
func (s *Scheduler) SleepFor(d time.Duration) {
	if d <= 0 {
		s.Pass()
		return
	}

	r := s.enter("sleep")
	s.stepLocked()
	if !r.pending() {
		gen, sleepGen := s.gen, r.sleepGen
		s.timers++
		r.timer = time.AfterFunc(d, func() { s.timerFired(r, gen, sleepGen) })
		s.blockLocked(r, blockTimed)
	}
	s.leave(r)
}

// Stop lowers the critical flag if the calling thread holds it, and then
// sleeps until woken up or killed.
func (s *Scheduler) Stop() {
	r := s.enter("stop")
	s.stepLocked()
	if s.critical == r {
		s.critical = nil
		s.log.Debug().Uint64("thread", uint64(r.th.id)).Msg("critical lowered by stop")
	}
	if !r.pending() {
		s.blockLocked(r, blockStop)
	}
	s.leave(r)
}

func (s *Scheduler) timerFired(r *record, gen, sleepGen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	s.timers--
	if r.state == stateBlocked && r.block == blockTimed && r.sleepGen == sleepGen {
		r.timer = nil
		s.unblockLocked(r)
	}
	s.scheduleLocked()
}

// current locks the scheduler and returns the current thread record. On
// error, the scheduler is unlocked.
func (s *Scheduler) current(op string) (*record, error) {
	s.mu.Lock()
	r := s.callerLocked()
	if r == nil {
		s.mu.Unlock()
		return nil, &NoCurrentThreadError{Op: op}
	}
	return r, nil
}

// callerLocked returns the current thread if the calling goroutine runs its
// body, nil otherwise.
func (s *Scheduler) callerLocked() *record {
	if s.cur == nil || s.cur.gid != goroutineID() {
		return nil
	}
	return s.cur
}

// enter is like current but panics with the error, for operations that
// cannot return control to a thread that does not exist.
func (s *Scheduler) enter(op string) *record {
	r, err := s.current(op)
	if err != nil {
		panic(err)
	}
	return r
}

// leave unlocks the scheduler and delivers any pending signal to r, which
// must be the current thread.
func (s *Scheduler) leave(r *record) {
	sig := s.signalLocked(r)
	s.mu.Unlock()
	if sig != nil {
		panic(sig)
	}
}

// stepLocked accounts for one suspension point of the current thread.
func (s *Scheduler) stepLocked() {
	s.steps++
	if s.steps >= s.maxSteps {
		s.cancelLocked(ErrMaxSteps)
	}
}

// signalLocked consumes the pending kill or failure of r and returns the
// value to raise to unwind its body, or nil.
func (s *Scheduler) signalLocked(r *record) any {
	if err := r.failPending; err != nil {
		r.failPending = nil
		return failSignal{err: err}
	}
	if r.killPending {
		r.killPending = false
		if r.ensures > 0 && !r.aborting {
			s.transitionLocked(r, func(r *record) { r.aborting = true })
		}
		return killSignal{}
	}
	return nil
}

func (s *Scheduler) spawnLocked(body Body) *record {
	s.lastID++
	th := &Thread{s: s, id: s.lastID}
	r := &record{th: th, state: stateRunnable, wake: make(chan struct{}, 1)}
	s.threads.Put(th.id, r)
	s.live = append(s.live, r)
	s.runq = append(s.runq, r)
	s.log.Debug().Uint64("thread", uint64(th.id)).Msg("spawn")

	if s.shutdown || s.cancelErr != nil {
		s.killLocked(r)
	}
	go s.exec(r, body)
	return r
}

// exec is the goroutine of thread r. It waits to be scheduled for the first
// time, runs body and records its result.
func (s *Scheduler) exec(r *record, body Body) {
	<-r.wake
	gid := goroutineID()

	var (
		res      result
		returned bool
	)
	defer func() {
		if !returned && !res.killed && res.err == nil {
			res.err = errors.New("thread body exited without returning")
		}
		s.finish(r, res)
	}()

	defer func() {
		if x := recover(); x != nil {
			switch sig := toSignal(x).(type) {
			case killSignal:
				res.killed = true
			case failSignal:
				res.err = sig.err
			}
		}
	}()

	s.mu.Lock()
	r.gid = gid
	s.leave(r) // a thread killed before it starts never runs its body
	res.value, res.err = body()
	returned = true
}

// toSignal returns x if it is a kill or fail signal, otherwise it wraps the
// panic value in a fail signal.
func toSignal(x any) any {
	switch x.(type) {
	case killSignal, failSignal:
		return x
	}
	return failSignal{err: &PanicError{Value: x, Stack: debug.Stack()}}
}

func (s *Scheduler) finish(r *record, res result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.killed && !res.killed && res.err == nil {
		// the body returned without unwinding from its kill
		res = result{killed: true}
	}
	res.done = true
	r.th.res = res
	r.killPending, r.failPending = false, nil
	s.transitionLocked(r, func(r *record) {
		r.state = stateDead
		r.aborting = false
	})

	if s.critical == r {
		s.critical = nil
	}
	for len(r.owned) > 0 {
		m := r.owned[0]
		r.owned = r.owned[1:]
		m.handoffLocked()
	}
	joiners := r.joiners
	r.joiners = nil
	for _, j := range joiners {
		j.joining = nil
		if j.state == stateBlocked {
			s.unblockLocked(j)
		}
	}
	s.live = remove(s.live, r)

	if r == s.main {
		s.shutdown = true
		for _, o := range s.live {
			s.killLocked(o)
		}
	}
	s.cur = nil
	s.scheduleLocked()
}

// cancelLocked kills every live thread, recording err as the cancellation
// cause.
func (s *Scheduler) cancelLocked(err error) {
	if !s.running || s.cancelErr != nil {
		return
	}
	s.cancelErr = err
	s.log.Debug().Err(err).Msg("cancel")
	for _, r := range s.live {
		s.killLocked(r)
	}
	s.scheduleLocked()
}

// killLocked requests the termination of r. If r is the current thread, the
// kill is delivered at its next suspension point (immediately if r is the
// caller, see Thread.Kill), otherwise r is parked at a suspension point: it
// is marked as aborting and made runnable so that it unwinds when it is next
// scheduled.
func (s *Scheduler) killLocked(r *record) {
	if r.state == stateDead || r.killed {
		return
	}
	r.killed, r.killPending = true, true
	s.log.Debug().Uint64("thread", uint64(r.th.id)).Msg("kill")
	if r == s.cur {
		return
	}
	s.transitionLocked(r, func(r *record) { r.aborting = true })
	if r.state == stateBlocked {
		s.unblockLocked(r)
	}
}

func (s *Scheduler) enqueueLocked(r *record) {
	s.transitionLocked(r, func(r *record) {
		r.state = stateRunnable
		r.block = blockNone
	})
	s.runq = append(s.runq, r)
}

func (s *Scheduler) blockLocked(r *record, kind blockKind) {
	s.transitionLocked(r, func(r *record) {
		r.state = stateBlocked
		r.block = kind
	})
	s.switchLocked(r)
}

// unblockLocked removes r from whatever it is waiting on and makes it
// runnable.
func (s *Scheduler) unblockLocked(r *record) {
	switch r.block {
	case blockMutex:
		if m := r.waitMu; m != nil {
			m.waitq = remove(m.waitq, r)
		}
		r.waitMu = nil
	case blockJoin:
		if t := r.joining; t != nil {
			t.joiners = remove(t.joiners, r)
		}
		r.joining = nil
	case blockTimed:
		if r.timer != nil && r.timer.Stop() {
			s.timers--
		}
		r.timer = nil
	}
	r.sleepGen++
	s.enqueueLocked(r)
}

// switchLocked hands the processor from the current thread r to the next
// runnable thread and waits until r is scheduled again. The scheduler is
// locked on entry and on return.
func (s *Scheduler) switchLocked(r *record) {
	s.cur = nil
	s.scheduleLocked()
	s.mu.Unlock()
	<-r.wake
	s.mu.Lock()
}

// scheduleLocked dispatches the next runnable thread if the processor is
// idle. If there is none, it either completes the Run (no live thread left),
// waits for a timer, or raises ErrDeadlock in a blocked thread.
func (s *Scheduler) scheduleLocked() {
	if !s.running || s.cur != nil {
		return
	}

	for {
		if next := s.pickLocked(); next != nil {
			s.cur = next
			s.transitionLocked(next, func(r *record) { r.state = stateRunning })
			next.wake <- struct{}{}
			return
		}

		if len(s.live) == 0 {
			s.running = false
			close(s.done)
			return
		}
		if s.timers > 0 {
			return
		}

		// every live thread is blocked and nothing can wake them up
		victim := s.main
		if victim.state == stateDead {
			victim = s.live[0]
		}
		s.log.Warn().Uint64("thread", uint64(victim.th.id)).Msg("deadlock")
		victim.failPending = ErrDeadlock
		s.unblockLocked(victim)
	}
}

// pickLocked removes and returns the next thread to run. The owner of the
// critical flag goes first if it is runnable.
func (s *Scheduler) pickLocked() *record {
	if c := s.critical; c != nil && c.state == stateRunnable {
		s.runq = remove(s.runq, c)
		return c
	}
	if len(s.runq) == 0 {
		return nil
	}
	r := s.runq[0]
	s.runq[0] = nil
	s.runq = s.runq[1:]
	return r
}

// transitionLocked applies fn to r and logs the status change, if any.
func (s *Scheduler) transitionLocked(r *record, fn func(*record)) {
	from := r.status()
	fn(r)
	if to := r.status(); to != from {
		s.log.Debug().
			Uint64("thread", uint64(r.th.id)).
			Stringer("from", from).
			Stringer("to", to).
			Msg("status")
	}
}

func remove[T comparable](vs []T, v T) []T {
	if i := slices.Index(vs, v); i >= 0 {
		return slices.Delete(vs, i, i+1)
	}
	return vs
}

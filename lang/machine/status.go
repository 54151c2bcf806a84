package machine

import "fmt"

// Status is the observable state of a thread.
type Status uint8

// List of thread statuses. StatusReaped is not a state of a live thread, it
// is reported once the thread record has been collected after a completed
// Join or Value and must be treated as "unknown, already collected".
const (
	StatusRun Status = iota
	StatusSleep
	StatusAborting
	StatusDead
	StatusReaped
)

var statusNames = [...]string{
	StatusRun:      "run",
	StatusSleep:    "sleep",
	StatusAborting: "aborting",
	StatusDead:     "dead",
	StatusReaped:   "reaped",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", s)
}

// Alive returns true for the run, sleep and aborting statuses.
func (s Status) Alive() bool {
	return s == StatusRun || s == StatusSleep || s == StatusAborting
}

// A Snapshot is an immutable capture of the observable state of a thread at
// one instant.
type Snapshot struct {
	Thread  *Thread
	Status  Status
	Alive   bool
	Stop    bool
	Inspect string
}

func (s Snapshot) String() string {
	return fmt.Sprintf("status=%s alive=%t stop=%t inspect=%s", s.Status, s.Alive, s.Stop, s.Inspect)
}

// runState is the scheduler's internal state of a thread record. Runnable
// and running threads both report StatusRun (or StatusAborting).
type runState uint8

const (
	stateRunnable runState = iota
	stateRunning
	stateBlocked
	stateDead
)

// blockKind records why a blocked thread is waiting.
type blockKind uint8

const (
	blockNone blockKind = iota
	blockSleep
	blockTimed
	blockStop
	blockMutex
	blockJoin
)

package machine

import (
	"errors"
	"fmt"
)

var (
	// ErrDeadlock is raised in a thread when no thread can make progress: no
	// thread is runnable, no timed sleep is pending and at least one thread is
	// still alive.
	ErrDeadlock = errors.New("deadlock detected: no thread can make progress")

	// ErrMaxSteps is the cancellation cause when the scheduler reaches its
	// MaxSteps limit.
	ErrMaxSteps = errors.New("maximum number of steps reached")
)

// A ThreadError reports an invalid state transition request, such as
// unlocking a mutex not owned by the caller or waking up a thread that is not
// asleep.
type ThreadError struct {
	Op     string
	Reason string
}

func (e *ThreadError) Error() string {
	return fmt.Sprintf("thread error: %s: %s", e.Op, e.Reason)
}

// A NoCurrentThreadError is returned (or raised, for operations that must
// suspend the caller) when an operation that requires a scheduled thread is
// invoked outside any thread body.
type NoCurrentThreadError struct {
	Op string
}

func (e *NoCurrentThreadError) Error() string {
	return fmt.Sprintf("%s: no current thread", e.Op)
}

// A PanicError is the failure recorded for a thread whose body panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("thread panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// signals raised (as panics) at a suspension point to unwind a thread body.
type (
	killSignal struct{}
	failSignal struct{ err error }
)

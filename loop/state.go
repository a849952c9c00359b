package loop

// State represents the current state of the loop.
//
// State Machine:
//
//	StateAwake -> StateRunning             [Run]
//	StateRunning -> StateSleeping          [poll, via CAS]
//	StateSleeping -> StateRunning          [wake, via CAS]
//	StateRunning/Sleeping -> Terminating   [Shutdown, Close, ctx done, wait failure]
//	StateAwake -> StateTerminated          [Shutdown or Close before Run]
//	StateTerminating -> StateTerminated    [shutdown drained]
//
// Running and Sleeping only change by CompareAndSwap so a concurrent
// transition to Terminating is never overwritten.
type State int32

const (
	// StateAwake is a loop that has not been run yet.
	StateAwake State = 0

	// StateTerminated is final. Hooks have run and descriptors are closed.
	StateTerminated State = 1

	// StateSleeping is a loop blocked, or about to block, in epoll_wait.
	// Producers must write the wake descriptor when they see it.
	StateSleeping State = 2

	// StateTerminating is a loop asked to stop that has not finished draining.
	StateTerminating State = 3

	// StateRunning is a loop executing tasks or callbacks.
	StateRunning State = 4
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateTerminated:
		return "terminated"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

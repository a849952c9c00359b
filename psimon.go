package psimon

import (
	"context"
	"strconv"

	"github.com/wippyai/psimon/trigger"
)

// ID identifies a handle within the registry that produced it.
// IDs start at 0, grow by one per Add and are never reused.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// EventType discriminates dispatcher events.
type EventType uint8

const (
	// EventReady reports that the trigger registered under ID fired.
	EventReady EventType = iota
	// EventFailure reports that the readiness wait failed; the dispatcher
	// has stopped and closed its handles.
	EventFailure
)

func (t EventType) String() string {
	if t == EventFailure {
		return "failure"
	}
	return "ready"
}

// Event is one item of a dispatcher's stream.
type Event struct {
	Err  error
	ID   ID
	Type EventType
}

// Ready builds a ready event for id.
func Ready(id ID) Event {
	return Event{Type: EventReady, ID: id}
}

// Failure builds a terminal failure event.
func Failure(err error) Event {
	return Event{Type: EventFailure, Err: err}
}

func (e Event) String() string {
	if e.Type == EventFailure {
		if e.Err == nil {
			return "failure"
		}
		return "failure: " + e.Err.Error()
	}
	return "ready " + e.ID.String()
}

// Entry pairs a handle with the ID it was registered under.
// It is the unit of ownership handed from a registry to a dispatcher.
type Entry struct {
	Handle *trigger.Handle
	ID     ID
}

// State is a dispatcher lifecycle stage.
//
//	StateCreated -> StateRunning   [Start]
//	StateCreated -> StateStopped   [Close]
//	StateRunning -> StateStopped   [Close, or a failed wait]
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Dispatcher turns trigger readiness into an ordered event stream.
// Implementations own every handle they were created with and close all of
// them in Close, whatever state they are in.
type Dispatcher interface {
	// Start begins waiting for readiness.
	Start() error
	// Receive returns the next event in enqueue order. Once the dispatcher
	// has stopped and every event was delivered it returns an error matching
	// errors.ErrClosed.
	Receive(ctx context.Context) (Event, error)
	// Close stops the dispatcher and releases every owned descriptor.
	Close() error
	// State reports the lifecycle stage.
	State() State
	// Len returns the number of owned handles.
	Len() int
}

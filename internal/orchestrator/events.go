package orchestrator

import "fmt"

// EventType is the "type" field of a protocol event.
type EventType string

const (
	EventStatus    EventType = "status"
	EventLog       EventType = "log"
	EventToken     EventType = "token"
	EventAnswer    EventType = "answer"
	EventAnswerEnd EventType = "answer_end"
	EventError     EventType = "error"
)

// Event is one line of the response stream.
type Event struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	ChartData any       `json:"chart_data,omitempty"`
	ChartType string    `json:"chart_type,omitempty"`
}

// Sink receives events in order. An error means the client is gone.
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }

// State of one request.
type State int

const (
	StateInit State = iota
	StateRouting
	StateExecuting
	StateStreaming
	StateFinalized
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRouting:
		return "ROUTING"
	case StateExecuting:
		return "EXECUTING"
	case StateStreaming:
		return "STREAMING_TOKENS"
	case StateFinalized:
		return "FINALIZED"
	case StateError:
		return "ERROR"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions lists the legal successors of each state. ERROR is reachable
// from every non-terminal state.
var transitions = map[State][]State{
	StateInit:      {StateRouting},
	StateRouting:   {StateExecuting, StateFinalized},
	StateExecuting: {StateStreaming, StateFinalized},
	StateStreaming: {StateStreaming, StateFinalized},
}

func (s State) terminal() bool { return s == StateFinalized || s == StateError }

func (s State) canMove(to State) bool {
	if s.terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

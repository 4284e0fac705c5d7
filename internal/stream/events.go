// Package stream delivers analysis progress events to at most one
// attached sink per session. Publishing is fire-and-forget for callers:
// the engine never blocks on a slow client, and a session with no
// attached sink simply drops events on the floor (a bounded ring of
// recent events is kept for diagnostics).
package stream

import "time"

// Wire event types. These names are part of the client protocol.
const (
	TypeLog              = "log"
	TypeThought          = "thought"
	TypeCode             = "code"
	TypePlan             = "plan"
	TypeExecutionStart   = "execution_start"
	TypeExecutionSuccess = "execution_success"
	TypeExecutionError   = "execution_error"
	TypeTable            = "table"
	TypeChart            = "chart"
	TypeFinalResponse    = "final_response"
	TypeError            = "error"
)

// Event is a single progress message. StepIndex is set only for events
// scoped to a plan step; session-level events (plan, final_response,
// error) omit it.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	StepIndex *int      `json:"step_index,omitempty"`
}

// NewEvent builds a session-level event stamped with the current time.
func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
}

// NewStepEvent builds an event scoped to a plan step.
func NewStepEvent(eventType string, payload any, stepIndex int) Event {
	e := NewEvent(eventType, payload)
	e.StepIndex = &stepIndex
	return e
}

package protocol

import "time"

// SessionEvent is published on the bus whenever a session changes state.
// Unlike the wire messages it is JSON encoded.
type SessionEvent struct {
	NodeID    string    `json:"node_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session lifecycle event names.
const (
	EventOpened    = "opened"
	EventRejected  = "rejected"
	EventFinalized = "finalized"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventAborted   = "aborted"
)

const (
	// SubjectSessionEventPrefix is followed by ".<kind>.<event>".
	SubjectSessionEventPrefix = "voicewire.session"
)

// SessionSubject returns the bus subject for an event of the given kind.
func SessionSubject(kind, event string) string {
	return SubjectSessionEventPrefix + "." + kind + "." + event
}

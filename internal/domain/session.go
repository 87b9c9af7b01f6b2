package domain

import "time"

// CallSession is the in-memory, non-durable projection of a live call that
// the coordinator (C6) keeps to drive reservation extension and consume.
// Spec §3: "Call Session (in-memory / cache-only; not durable)".
type CallSession struct {
	CallID         string
	AccountID      string
	Caller         string
	Callee         string
	Rate           RateSnapshot
	ReservationIDs []string
	StartedAt      time.Time
	AnsweredAt     *time.Time
	LastTickAt     *time.Time
}

// EventKind enumerates the call lifecycle events the coordinator accepts
// from the abstract event stream (spec §4.6).
type EventKind string

const (
	EventCreate EventKind = "create"
	EventAnswer EventKind = "answer"
	EventHangup EventKind = "hangup"
	EventTick   EventKind = "tick"
)

// Event is the coordinator's abstract call-lifecycle message. Only the
// fields relevant to Kind are populated; the switch/ESL-specific encoding
// that produces these is an external collaborator concern (spec §1).
type Event struct {
	Kind      EventKind `validate:"required,oneof=create answer hangup tick"`
	CallID    string    `validate:"required"`
	Caller    string    `validate:"required_if=Kind create"`
	Callee    string    `validate:"required_if=Kind create"`
	Direction string

	AnsweredAt time.Time

	StartTime       time.Time
	AnswerTime      time.Time
	EndTime         time.Time
	HangupCause     string
	BillableSeconds int64

	Now time.Time
}

// KillReason is attached to a Kill signal emitted back to the collaborator.
type KillReason string

const (
	KillReasonDenied       KillReason = "denied"
	KillReasonOutOfBalance KillReason = "out_of_balance"
	KillReasonInternal     KillReason = "internal"
)

// Kill is the coordinator's instruction back to the switch collaborator to
// tear down a call (spec §4.6).
type Kill struct {
	CallID string
	Reason KillReason
	Detail string
}

// CDR is the fire-and-forget record emitted on hangup for an external
// collaborator to finalize (spec §6.2); the core never persists it.
type CDR struct {
	CallID          string
	AccountID       string
	Caller          string
	Callee          string
	StartTime       time.Time
	AnswerTime      time.Time
	EndTime         time.Time
	BillableSeconds int64
	Cost            string
	HangupCause     string
}

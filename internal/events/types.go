// Package events carries ephemeral status transitions for sessions and
// tool servers.
package events

import (
	"fmt"
	"time"
)

// EventType identifies the kind of event.
type EventType int

const (
	EventSessionStatus EventType = iota
	EventAccountSwitched
	EventMCPStatusChanged
	EventCredentialRefreshed
)

func (e EventType) String() string {
	switch e {
	case EventSessionStatus:
		return "session_status"
	case EventAccountSwitched:
		return "account_switched"
	case EventMCPStatusChanged:
		return "mcp_status_changed"
	case EventCredentialRefreshed:
		return "credential_refreshed"
	default:
		return "unknown"
	}
}

// Event is the base interface for all events. Subject is the session id,
// server name or provider key the event is about.
type Event interface {
	Type() EventType
	Subject() string
	Timestamp() time.Time
}

type baseEvent struct {
	subject   string
	timestamp time.Time
}

func (e baseEvent) Subject() string      { return e.subject }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// StatusKind tags a SessionStatus.
type StatusKind string

const (
	StatusIdle          StatusKind = "idle"
	StatusBusy          StatusKind = "busy"
	StatusRetry         StatusKind = "retry"
	StatusAccountSwitch StatusKind = "account-switch"
)

// SessionStatus is what a session is doing right now. Only the fields for
// its Kind are set.
type SessionStatus struct {
	Kind StatusKind `json:"type"`

	// retry
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message,omitempty"`
	Next    time.Time `json:"next,omitempty"`

	// account-switch
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Idle is the implicit status of any session without an entry.
func Idle() SessionStatus { return SessionStatus{Kind: StatusIdle} }

// Busy marks a session with a request in flight.
func Busy() SessionStatus { return SessionStatus{Kind: StatusBusy} }

// Retry marks a session waiting to retry.
func Retry(attempt int, message string, next time.Time) SessionStatus {
	return SessionStatus{Kind: StatusRetry, Attempt: attempt, Message: message, Next: next}
}

// AccountSwitched marks a session that moved to another account.
func AccountSwitched(from, to string) SessionStatus {
	return SessionStatus{Kind: StatusAccountSwitch, From: from, To: to}
}

func (s SessionStatus) String() string {
	switch s.Kind {
	case StatusRetry:
		return fmt.Sprintf("retry #%d: %s", s.Attempt, s.Message)
	case StatusAccountSwitch:
		return fmt.Sprintf("switched %s -> %s", s.From, s.To)
	case "":
		return string(StatusIdle)
	default:
		return string(s.Kind)
	}
}

// SessionStatusEvent is emitted whenever a session's status is set.
type SessionStatusEvent struct {
	baseEvent
	Status SessionStatus
}

func (e SessionStatusEvent) Type() EventType { return EventSessionStatus }

// NewSessionStatusEvent creates a session status event.
func NewSessionStatusEvent(sessionID string, st SessionStatus, at time.Time) SessionStatusEvent {
	return SessionStatusEvent{baseEvent: baseEvent{subject: sessionID, timestamp: at}, Status: st}
}

// AccountSwitchedEvent is emitted when a session's provider account changes.
type AccountSwitchedEvent struct {
	baseEvent
	From, To         string
	FromName, ToName string
}

func (e AccountSwitchedEvent) Type() EventType { return EventAccountSwitched }

// NewAccountSwitchedEvent creates an account switch event.
func NewAccountSwitchedEvent(sessionID, from, to, fromName, toName string, at time.Time) AccountSwitchedEvent {
	return AccountSwitchedEvent{
		baseEvent: baseEvent{subject: sessionID, timestamp: at},
		From:      from,
		To:        to,
		FromName:  fromName,
		ToName:    toName,
	}
}

// MCPStatusChangedEvent is emitted when a tool server changes state.
type MCPStatusChangedEvent struct {
	baseEvent
	OldState string
	NewState string
	Error    string
}

func (e MCPStatusChangedEvent) Type() EventType { return EventMCPStatusChanged }

// NewMCPStatusChangedEvent creates a tool server status event.
func NewMCPStatusChangedEvent(server, oldState, newState, errMsg string) MCPStatusChangedEvent {
	return MCPStatusChangedEvent{
		baseEvent: baseEvent{subject: server, timestamp: time.Now()},
		OldState:  oldState,
		NewState:  newState,
		Error:     errMsg,
	}
}

// CredentialRefreshedEvent is emitted after a stored credential is refreshed.
type CredentialRefreshedEvent struct {
	baseEvent
	Expires int64
}

func (e CredentialRefreshedEvent) Type() EventType { return EventCredentialRefreshed }

// NewCredentialRefreshedEvent creates a refresh event for a provider key.
func NewCredentialRefreshedEvent(key string, expires int64) CredentialRefreshedEvent {
	return CredentialRefreshedEvent{
		baseEvent: baseEvent{subject: key, timestamp: time.Now()},
		Expires:   expires,
	}
}

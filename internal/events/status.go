package events

import (
	"sync"
	"time"
)

// AccountSwitchTTL is how long a switch stays visible after it happened.
const AccountSwitchTTL = 5 * time.Second

// AccountSwitch is the most recent account change for a session.
type AccountSwitch struct {
	From string
	To   string
	At   time.Time
}

// StatusStore holds the current SessionStatus per session and a separate
// record of recent account switches. Idle is a deletion; a missing entry
// reads as idle.
type StatusStore struct {
	mu       sync.Mutex
	statuses map[string]SessionStatus
	switches map[string]AccountSwitch
	bus      *Bus
	now      func() time.Time
}

// StatusOption configures a StatusStore.
type StatusOption func(*StatusStore)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StatusOption {
	return func(s *StatusStore) { s.now = now }
}

// NewStatusStore creates a store that publishes every change on bus.
// bus may be nil.
func NewStatusStore(bus *Bus, opts ...StatusOption) *StatusStore {
	s := &StatusStore{
		statuses: make(map[string]SessionStatus),
		switches: make(map[string]AccountSwitch),
		bus:      bus,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set records st for the session. An account switch is also remembered
// for AccountSwitchTTL regardless of later status changes.
func (s *StatusStore) Set(sessionID string, st SessionStatus) {
	now := s.now()

	s.mu.Lock()
	switch st.Kind {
	case StatusIdle, "":
		delete(s.statuses, sessionID)
		st = Idle()
	default:
		s.statuses[sessionID] = st
	}
	if st.Kind == StatusAccountSwitch {
		s.switches[sessionID] = AccountSwitch{From: st.From, To: st.To, At: now}
	}
	s.mu.Unlock()

	s.bus.Publish(NewSessionStatusEvent(sessionID, st, now))
}

// Get returns the session status, Idle when there is none.
func (s *StatusStore) Get(sessionID string) SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[sessionID]; ok {
		return st
	}
	return Idle()
}

// List returns a snapshot of every non-idle session.
func (s *StatusStore) List() map[string]SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SessionStatus, len(s.statuses))
	for id, st := range s.statuses {
		out[id] = st
	}
	return out
}

// LastAccountSwitch returns the session's latest account switch while it
// is younger than AccountSwitchTTL. Expired records are dropped.
func (s *StatusStore) LastAccountSwitch(sessionID string) (*AccountSwitch, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.switches[sessionID]
	if !ok {
		return nil, false
	}
	if now.Sub(sw.At) > AccountSwitchTTL {
		delete(s.switches, sessionID)
		return nil, false
	}
	return &sw, true
}

package testutil

import (
	"sync"
	"time"

	"github.com/arctic-cli/arctic/internal/events"
)

// EventCollector is a thread-safe event collector for test assertions.
// Subscribe it to an event bus and then query collected events.
type EventCollector struct {
	mu       sync.Mutex
	events   []events.Event
	statuses map[string][]events.StatusKind
	mcp      map[string][]string
	cond     *sync.Cond
}

// NewEventCollector creates a new EventCollector.
func NewEventCollector() *EventCollector {
	ec := &EventCollector{
		statuses: make(map[string][]events.StatusKind),
		mcp:      make(map[string][]string),
	}
	ec.cond = sync.NewCond(&ec.mu)
	return ec
}

// Handler returns a function suitable for bus.Subscribe().
func (c *EventCollector) Handler(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)

	switch evt := e.(type) {
	case events.SessionStatusEvent:
		c.statuses[evt.Subject()] = append(c.statuses[evt.Subject()], evt.Status.Kind)
	case events.MCPStatusChangedEvent:
		c.mcp[evt.Subject()] = append(c.mcp[evt.Subject()], evt.NewState)
	}

	c.cond.Broadcast()
}

// Events returns all collected events.
func (c *EventCollector) Events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]events.Event, len(c.events))
	copy(result, c.events)
	return result
}

// OfType returns the collected events of one type in arrival order.
func (c *EventCollector) OfType(t events.EventType) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []events.Event
	for _, e := range c.events {
		if e.Type() == t {
			result = append(result, e)
		}
	}
	return result
}

// StatusesFor returns the session status kinds observed for a session.
func (c *EventCollector) StatusesFor(sessionID string) []events.StatusKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]events.StatusKind, len(c.statuses[sessionID]))
	copy(result, c.statuses[sessionID])
	return result
}

// MCPStatesFor returns the states observed for a tool server.
func (c *EventCollector) MCPStatesFor(server string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, len(c.mcp[server]))
	copy(result, c.mcp[server])
	return result
}

// WaitFor blocks until at least n events have been collected or the
// timeout expires.
func (c *EventCollector) WaitFor(n int, timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.events) < n {
		if !time.Now().Before(deadline) {
			return false
		}
		c.cond.Wait()
	}
	return true
}

// Clear resets the collector's state.
func (c *EventCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	c.statuses = make(map[string][]events.StatusKind)
	c.mcp = make(map[string][]string)
}

// ContainsSequence checks if observed contains expected in order. The
// expected items need not be contiguous.
func ContainsSequence[T comparable](observed, expected []T) bool {
	if len(expected) == 0 {
		return true
	}
	i := 0
	for _, v := range observed {
		if v == expected[i] {
			i++
			if i == len(expected) {
				return true
			}
		}
	}
	return false
}

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestStatusStore_IdleIsDeletion(t *testing.T) {
	s := NewStatusStore(nil)

	assert.Equal(t, StatusIdle, s.Get("s1").Kind)

	s.Set("s1", Busy())
	assert.Equal(t, StatusBusy, s.Get("s1").Kind)
	assert.Len(t, s.List(), 1)

	s.Set("s1", Idle())
	assert.Equal(t, StatusIdle, s.Get("s1").Kind)
	assert.Empty(t, s.List())
}

func TestStatusStore_Retry(t *testing.T) {
	s := NewStatusStore(nil)
	next := time.Unix(100, 0)

	s.Set("s1", Retry(2, "rate limited", next))
	got := s.Get("s1")
	assert.Equal(t, StatusRetry, got.Kind)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "rate limited", got.Message)
	assert.Equal(t, next, got.Next)
}

func TestStatusStore_AccountSwitchTTL(t *testing.T) {
	clock := &manualClock{t: time.UnixMilli(1_000_000)}
	s := NewStatusStore(nil, WithClock(clock.now))

	s.Set("s1", AccountSwitched("anthropic", "anthropic:work"))

	clock.advance(4000 * time.Millisecond)
	sw, ok := s.LastAccountSwitch("s1")
	require.True(t, ok)
	assert.Equal(t, "anthropic", sw.From)
	assert.Equal(t, "anthropic:work", sw.To)

	clock.advance(1001 * time.Millisecond)
	_, ok = s.LastAccountSwitch("s1")
	assert.False(t, ok)
}

func TestStatusStore_SwitchSurvivesLaterStatus(t *testing.T) {
	clock := &manualClock{t: time.UnixMilli(0)}
	s := NewStatusStore(nil, WithClock(clock.now))

	s.Set("s1", AccountSwitched("p", "p:work"))
	s.Set("s1", Busy())
	s.Set("s1", Idle())

	clock.advance(time.Second)
	_, ok := s.LastAccountSwitch("s1")
	assert.True(t, ok)
	assert.Equal(t, StatusIdle, s.Get("s1").Kind)
}

func TestStatusStore_PublishesEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 4)
	bus.Subscribe(func(e Event) { got <- e })

	s := NewStatusStore(bus)
	s.Set("s1", Busy())
	s.Set("s1", Idle())

	for _, want := range []StatusKind{StatusBusy, StatusIdle} {
		select {
		case e := <-got:
			ev, ok := e.(SessionStatusEvent)
			require.True(t, ok)
			assert.Equal(t, "s1", ev.Subject())
			assert.Equal(t, want, ev.Status.Kind)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for status event")
		}
	}
}

package events

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// recorder collects events delivered by the dispatcher goroutine.
type recorder struct {
	mu     sync.Mutex
	events []Event
	n      chan struct{}
}

func newRecorder() *recorder { return &recorder{n: make(chan struct{}, 1024)} }

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.n <- struct{}{}
}

func (r *recorder) await(t *testing.T, count int) []Event {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-r.n:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d events", i, count)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestBus_DeliversSessionAndAccountEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	rec := newRecorder()
	bus.Subscribe(rec.handle)

	bus.Publish(NewSessionStatusEvent("s1", Busy(), epoch))
	bus.Publish(NewAccountSwitchedEvent("s1", "anthropic", "anthropic:work", "primary", "work", epoch))
	bus.Publish(NewMCPStatusChangedEvent("linear", "connecting", "needs_auth", ""))

	got := rec.await(t, 3)
	require.Len(t, got, 3)

	st := got[0].(SessionStatusEvent)
	assert.Equal(t, "s1", st.Subject())
	assert.Equal(t, StatusBusy, st.Status.Kind)

	sw := got[1].(AccountSwitchedEvent)
	assert.Equal(t, EventAccountSwitched, sw.Type())
	assert.Equal(t, "work", sw.ToName)
	assert.Equal(t, epoch, sw.Timestamp())

	assert.Equal(t, "linear", got[2].Subject())
	assert.Equal(t, "mcp_status_changed", got[2].Type().String())
}

func TestBus_EverySubscriberSeesEachEvent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	recs := []*recorder{newRecorder(), newRecorder(), newRecorder()}
	for _, r := range recs {
		bus.Subscribe(r.handle)
	}
	bus.Publish(NewCredentialRefreshedEvent("qwen", epoch.Unix()))

	for _, r := range recs {
		got := r.await(t, 1)
		assert.Equal(t, "qwen", got[0].Subject())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	gone := newRecorder()
	stays := newRecorder()
	unsubscribe := bus.Subscribe(gone.handle)
	bus.Subscribe(stays.handle)

	bus.Publish(NewSessionStatusEvent("s1", Busy(), epoch))
	gone.await(t, 1)
	stays.await(t, 1)

	unsubscribe()
	bus.Publish(NewSessionStatusEvent("s1", Idle(), epoch))
	stays.await(t, 1)

	gone.mu.Lock()
	defer gone.mu.Unlock()
	assert.Len(t, gone.events, 1)
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	rec := newRecorder()
	bus.Subscribe(rec.handle)

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(NewSessionStatusEvent("s1", Retry(i+1, "rate limited", epoch), epoch))
	}
	got := rec.await(t, n)
	for i, e := range got {
		assert.Equal(t, i+1, e.(SessionStatusEvent).Status.Attempt)
	}
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	rec := newRecorder()
	bus.Subscribe(rec.handle)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				bus.Publish(NewSessionStatusEvent(fmt.Sprintf("s%d", g), Busy(), epoch))
			}
		}(g)
	}
	wg.Wait()
	assert.Len(t, rec.await(t, 40), 40)
}

func TestBus_FullQueueDropsAndLogs(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	// no dispatcher goroutine, so nothing drains the queue
	bus := newBus(WithBufferSize(4), WithBusLogger(logger))
	defer bus.Close()

	for i := 0; i < 6; i++ {
		bus.Publish(NewSessionStatusEvent(fmt.Sprintf("s%d", i), Busy(), epoch))
	}

	out := logBuf.String()
	assert.Equal(t, 2, strings.Count(out, "dropping event"))
	assert.Contains(t, out, "subject=s5")
	assert.Contains(t, out, "type=session_status")
}

func TestBus_SlowHandlerDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	bus.Subscribe(func(Event) { time.Sleep(50 * time.Millisecond) })

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(NewSessionStatusEvent("s1", Busy(), epoch))
	}
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestBus_NilAndClosed(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Close()
	bus.Publish(NewSessionStatusEvent("s1", Idle(), epoch))

	var nilBus *Bus
	nilBus.Publish(NewSessionStatusEvent("s1", Idle(), epoch))
	nilBus.Close()
}

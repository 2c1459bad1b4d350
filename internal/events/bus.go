package events

import (
	"log/slog"
	"sync"
)

// DefaultBufferSize is the publish queue length.
const DefaultBufferSize = 100

// Handler is a function that handles events.
type Handler func(Event)

// Bus is a goroutine-safe, fire-and-forget event bus. Handlers run on a
// single dispatch goroutine in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	ch       chan Event
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the publish queue length.
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.ch = make(chan Event, n)
		}
	}
}

// WithBusLogger sets the logger used to report dropped events.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates a new event bus and starts its dispatcher.
func NewBus(opts ...BusOption) *Bus {
	b := newBus(opts...)
	go b.run()
	return b
}

func newBus(opts ...BusOption) *Bus {
	b := &Bus{
		ch:     make(chan Event, DefaultBufferSize),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(event)
		}
	}
}

// Subscribe registers a handler to receive events.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	idx := len(b.handlers) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// nil keeps the other indices stable
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// Publish queues an event without blocking. When the queue is full the
// event is dropped and logged. A nil Bus discards everything.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	select {
	case b.ch <- event:
	default:
		b.logger.Warn("event bus full, dropping event",
			slog.String("type", event.Type().String()),
			slog.String("subject", event.Subject()))
	}
}

// Close stops the dispatcher. It is safe to call more than once.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() { close(b.done) })
}

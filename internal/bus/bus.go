// Package bus implements the in-process message transport that connects
// the instrument modules. Modules register under a well-known name and
// exchange typed messages; the broadcast destination "All" delivers to
// every registered module.
package bus

import (
	"io"
	"log/slog"
	"sync"
)

// Broadcast is the destination that delivers a message to every
// registered module.
const Broadcast = "All"

// Payload carries named message fields.
type Payload map[string]any

// Message is a single named message between two modules.
type Message struct {
	Sender  string
	Type    string
	Payload Payload
}

// String returns a payload field as a string, or "" when absent or not
// a string.
func (m Message) String(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// Handler receives messages addressed to a module. Handlers must not
// block: long-running work is expected to be spawned onto a goroutine by
// the receiving module.
type Handler func(msg Message)

// WithLogger sets the logger for the bus.
func WithLogger(logger *slog.Logger) func(*Bus) {
	return func(b *Bus) {
		b.logger = logger.With(slog.String("component", "bus"))
	}
}

// Bus dispatches named messages between registered modules.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	logger *slog.Logger
}

// New creates a Bus with a discard logger.
func New(options ...func(*Bus)) *Bus {
	b := Bus{
		handlers: make(map[string][]Handler),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&b)
	}

	return &b
}

// Register subscribes a handler under the given module name. Multiple
// handlers may share a name; each receives every message for it.
func (b *Bus) Register(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers a message to the destination module, or to all
// modules when the destination is Broadcast. Delivery is synchronous and
// in registration order; a missing destination is logged and dropped.
func (b *Bus) Publish(sender, destination, msgType string, payload Payload) {
	msg := Message{Sender: sender, Type: msgType, Payload: payload}

	b.mu.RLock()
	var targets []Handler
	if destination == Broadcast {
		for _, hs := range b.handlers {
			targets = append(targets, hs...)
		}
	} else {
		targets = append(targets, b.handlers[destination]...)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		b.logger.Warn("message dropped: no receiver",
			slog.String("destination", destination),
			slog.String("type", msgType),
			slog.String("sender", sender))
		return
	}

	for _, h := range targets {
		h(msg)
	}
}

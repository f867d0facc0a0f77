// Package alert delivers out-of-band alerts. Nothing raised here ever reaches
// a client connection; listeners decide whether an alert is logged, counted
// or paged.
package alert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventType identifies the kind of failure an alert reports.
type EventType string

const (
	EventProtocolError    EventType = "ProtocolError"
	EventBinaryInput      EventType = "BinaryInput"
	EventRoutingError     EventType = "RoutingError"
	EventStatementDropped EventType = "StatementDropped"
	EventFrameDropped     EventType = "FrameDropped"
	EventResourceError    EventType = "ResourceError"
	EventStoreReconnect   EventType = "StoreReconnect"
	EventStaleConnection  EventType = "StaleConnection"
	EventAcceptError      EventType = "AcceptError"
)

// AllEventTypes lists every event type, for listeners that want everything.
var AllEventTypes = []EventType{
	EventProtocolError,
	EventBinaryInput,
	EventRoutingError,
	EventStatementDropped,
	EventFrameDropped,
	EventResourceError,
	EventStoreReconnect,
	EventStaleConnection,
	EventAcceptError,
}

// Event is one alert.
type Event struct {
	Type    EventType
	Target  string
	Message string
	Err     error
	Time    time.Time
}

func (e Event) String() string {
	s := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Target != "" {
		s = fmt.Sprintf("%s [%s]", s, e.Target)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

// Listener receives alerts.
type Listener interface {
	OnAlert(ctx context.Context, event Event) error
	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int
	// IsAsync reports whether the listener runs in its own goroutine.
	IsAsync() bool
}

// Raiser is the producer side of a Manager.
type Raiser interface {
	Raise(ctx context.Context, event Event)
}

// Manager routes alerts to registered listeners.
type Manager interface {
	Raiser
	// Register adds a listener for the given event types, or for every type when none are given.
	Register(listener Listener, eventTypes ...EventType)
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

type listenerWithPriority struct {
	listener Listener
	priority int
}

// DefaultManager is the in-process Manager.
type DefaultManager struct {
	// Slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewManager(logger *slog.Logger) *DefaultManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "AlertManager"),
	}
}

func (m *DefaultManager) Register(listener Listener, eventTypes ...EventType) {
	if len(eventTypes) == 0 {
		eventTypes = AllEventTypes
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	for _, et := range eventTypes {
		l := m.listeners[et]
		idx := sort.Search(len(l), func(i int) bool {
			return l[i].priority > item.priority
		})
		l = append(l, nil)
		copy(l[idx+1:], l[idx:])
		l[idx] = item
		m.listeners[et] = l
	}
}

// Raise delivers the event in priority order. Listener errors are logged and
// never returned: raising an alert cannot fail the operation that raised it.
func (m *DefaultManager) Raise(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	m.mu.RLock()
	listeners := m.listeners[event.Type]
	m.mu.RUnlock()

	for _, item := range listeners {
		if !item.listener.IsAsync() {
			if err := item.listener.OnAlert(ctx, event); err != nil {
				m.logger.Error("Alert listener failed", "event", event.Type, "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnAlert(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Asynchronous alert listener failed", "event", event.Type, "priority", current.priority, "error", err)
			}
		}(item)
	}
}

func (m *DefaultManager) Stop() {
	m.wg.Wait()
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Raise(context.Context, Event) {}

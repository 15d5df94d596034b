package telemetry

import (
	"sync"
	"time"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventSQLClassified     EventType = "sql.classified"
	EventSQLRejected       EventType = "sql.rejected"
	EventSQLRetrying       EventType = "sql.retrying"
	EventSQLCompleted      EventType = "sql.completed"
	EventSQLFailed         EventType = "sql.failed"
	EventSandboxStarted    EventType = "sandbox.started"
	EventSandboxCompleted  EventType = "sandbox.completed"
	EventSandboxViolation  EventType = "sandbox.violation"
	EventSandboxTimedOut   EventType = "sandbox.timed_out"
	EventChartFallback     EventType = "chart.fallback"
	EventReportStarted     EventType = "report.started"
	EventReportCompleted   EventType = "report.completed"
	EventAuditRecorded     EventType = "audit.recorded"
	EventConfigReloaded    EventType = "config.reloaded"
	EventConfigReloadError EventType = "config.reload_failed"
)

// Event describes guardrail activity that log sinks and API clients can
// consume.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"requestId,omitempty"`
	ReportID  string         `json:"reportId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fan-outs telemetry events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
	buffer      int
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{}), buffer: 64}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
// A nil hub discards events.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Drop if subscriber can't keep up; requests never wait on listeners.
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, h.buffer)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}

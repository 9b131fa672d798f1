package events

import "sync"

// MemorySink keeps the most recent events in a bounded ring. It backs tests
// and single-process deployments that run without Postgres.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemorySink creates a sink retaining at most limit events (0 means 4096).
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 4096
	}
	return &MemorySink{limit: limit}
}

// Publish implements Sink.
func (m *MemorySink) Publish(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
}

// Events returns a copy of the retained events in arrival order.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByTrace returns retained events matching the trace id.
func (m *MemorySink) ByTrace(traceID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.TraceID == traceID {
			out = append(out, ev)
		}
	}
	return out
}

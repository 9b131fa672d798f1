package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Bus decouples emitters from sinks. Emit enqueues and returns immediately;
// a single consumer goroutine fans events out to the sinks. When the buffer
// is full the event is dropped with a local log line — observability must
// never backpressure task execution.
type Bus struct {
	ch       chan Event
	sinks    []Sink
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewBus creates and starts a bus delivering to the given sinks.
func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &Bus{
		ch:    make(chan Event, buffer),
		sinks: sinks,
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			// Drain what is already buffered, then exit.
			for {
				select {
				case ev := <-b.ch:
					b.deliver(ev)
				default:
					return
				}
			}
		case ev := <-b.ch:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	for _, sink := range b.sinks {
		sink.Publish(ev)
	}
}

// Emit publishes an event without waiting. Never blocks, never errors.
func (b *Bus) Emit(traceID string, eventType EventType, source string, level Level, data map[string]any) {
	ev := Event{
		TraceID:   traceID,
		Type:      eventType,
		Source:    source,
		Level:     level,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case b.ch <- ev:
	default:
		slog.Warn("Event bus buffer full, dropping event",
			"trace_id", traceID, "event_type", eventType)
	}
}

// Close stops the consumer after draining buffered events.
func (b *Bus) Close(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.done) })
	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		slog.Warn("Event bus close timed out")
	}
}

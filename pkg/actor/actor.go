// Package actor provides the minimal actor runtime the orchestration core
// runs on: each actor is a goroutine draining a private mailbox channel and
// processing one message to completion before the next. Actor state is never
// shared, so no internal locking is required of receivers.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Message is the tagged-variant envelope all actors exchange. Every variant
// carries an explicit discriminator so unknown kinds can be rejected at the
// boundary instead of mid-flight.
type Message interface {
	MessageType() string
}

// Receiver is the behavior of an actor. Receive is invoked for one message
// at a time; it must not block on external I/O (long calls belong in
// execution workers, which are actors of their own).
type Receiver interface {
	Receive(ctx context.Context, msg Message)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, msg Message)

// Receive implements Receiver.
func (f ReceiverFunc) Receive(ctx context.Context, msg Message) { f(ctx, msg) }

// DefaultMailboxSize is the buffered capacity of each actor's mailbox.
const DefaultMailboxSize = 128

// Ref is a handle to a spawned actor. Sends go through the mailbox; the
// actor's goroutine is the only consumer.
type Ref struct {
	id       string
	mailbox  chan Message
	quit     chan struct{}
	stopOnce sync.Once
}

// ID returns the actor's address within its system.
func (r *Ref) ID() string { return r.id }

// Send enqueues a message for the actor. It returns false when the actor
// has been stopped; the message is dropped in that case.
func (r *Ref) Send(msg Message) bool {
	if r == nil {
		return false
	}
	select {
	case <-r.quit:
		return false
	default:
	}
	select {
	case r.mailbox <- msg:
		return true
	case <-r.quit:
		return false
	}
}

// Stop terminates the actor after its current message. Pending mailbox
// messages are discarded. Safe to call multiple times.
func (r *Ref) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

// Stopped reports whether the actor has been stopped.
func (r *Ref) Stopped() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

// System owns a set of named actors and their lifecycle.
type System struct {
	mu      sync.RWMutex
	actors  map[string]*Ref
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewSystem creates an actor system rooted at the given context.
func NewSystem(ctx context.Context) *System {
	sysCtx, cancel := context.WithCancel(ctx)
	return &System{
		actors: make(map[string]*Ref),
		ctx:    sysCtx,
		cancel: cancel,
	}
}

// Spawn starts an actor under the given address. Addresses are unique;
// spawning a duplicate is an error.
func (s *System) Spawn(id string, rcv Receiver) (*Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("actor system is shut down")
	}
	if _, exists := s.actors[id]; exists {
		return nil, fmt.Errorf("actor %q already exists", id)
	}

	ref := &Ref{
		id:      id,
		mailbox: make(chan Message, DefaultMailboxSize),
		quit:    make(chan struct{}),
	}
	s.actors[id] = ref

	s.wg.Add(1)
	go s.run(ref, rcv)
	return ref, nil
}

// SpawnUnique starts an actor under a fresh address derived from prefix.
func (s *System) SpawnUnique(prefix string, rcv Receiver) (*Ref, error) {
	return s.Spawn(prefix+"-"+uuid.NewString(), rcv)
}

// Lookup resolves an address to a live actor ref.
func (s *System) Lookup(id string) (*Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	if !ok || ref.Stopped() {
		return nil, false
	}
	return ref, true
}

// Release stops an actor and removes it from the registry.
func (s *System) Release(ref *Ref) {
	if ref == nil {
		return
	}
	ref.Stop()
	s.mu.Lock()
	delete(s.actors, ref.id)
	s.mu.Unlock()
}

// run is the per-actor delivery loop: single-threaded, one message at a time.
func (s *System) run(ref *Ref, rcv Receiver) {
	defer s.wg.Done()
	for {
		select {
		case <-ref.quit:
			return
		case <-s.ctx.Done():
			return
		case msg := <-ref.mailbox:
			s.dispatch(ref, rcv, msg)
		}
	}
}

// dispatch invokes Receive and contains panics so one misbehaving message
// cannot take down the delivery loop.
func (s *System) dispatch(ref *Ref, rcv Receiver, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Actor panicked processing message",
				"actor", ref.id, "message_type", msg.MessageType(), "panic", r)
		}
	}()
	rcv.Receive(s.ctx, msg)
}

// Shutdown stops all actors and waits for their loops to exit, bounded by
// the supplied context.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	refs := make([]*Ref, 0, len(s.actors))
	for _, ref := range s.actors {
		refs = append(refs, ref)
	}
	s.actors = make(map[string]*Ref)
	s.mu.Unlock()

	for _, ref := range refs {
		ref.Stop()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("actor system shutdown timed out: %w", ctx.Err())
	}
}

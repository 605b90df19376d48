// Package session implements the attack-session registry and shared event
// channel described in spec.md 4.B: sessions are keyed by
// (service, src_ip, src_port, dst_ip, dst_port), created on first lookup
// miss, and never mutated except by appending ordered events.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is an attack-session record. Ownership: the Manager owns the
// sessions map; handlers only ever borrow a *Session via GetOrCreate.
type Session struct {
	ID         uuid.UUID
	Service    string
	SourceIP   string
	SourcePort int
	TargetIP   string
	TargetPort int
	CreatedAt  time.Time

	mu     sync.Mutex // serializes AddEvent so per-session ordering is preserved
	events chan<- Event
}

// EventOption customizes an emitted event beyond its kind.
type EventOption func(*Event)

// WithData attaches structured data to the event.
func WithData(data any) EventOption { return func(e *Event) { e.Data = data } }

// WithRequest attaches raw request bytes to the event.
func WithRequest(b []byte) EventOption { return func(e *Event) { e.Request = b } }

// WithResponse attaches raw response bytes to the event.
func WithResponse(b []byte) EventOption { return func(e *Event) { e.Response = b } }

// AddEvent builds an Event attached to this session and appends it to the
// manager's shared event channel. The per-session mutex ensures that events
// from a single session appear on the channel in the order AddEvent was
// called, even when called concurrently (spec.md 5, "Ordering").
//
// The send is non-blocking best-effort from the caller's perspective: if the
// shared channel is full the event is dropped rather than stalling the
// protocol handler (spec.md 4.C — "Log is best-effort and non-blocking").
func (s *Session) AddEvent(kind string, opts ...EventOption) {
	e := Event{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		session:   s,
	}
	for _, opt := range opts {
		opt(&e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.events <- e:
	default:
		// Channel full: drop rather than block the handler.
	}
}

// key identifies a session by its (service, source, target) tuple.
type key struct {
	service    string
	sourceIP   string
	sourcePort int
	targetIP   string
	targetPort int
}

// Manager is the session registry. GetOrCreate is atomic per key: concurrent
// callers for the same key observe the same *Session instance.
type Manager struct {
	mu       sync.Mutex
	sessions map[key]*Session
	events   chan Event
}

// NewManager creates a session registry backed by a bounded, shared event
// channel of the given capacity.
func NewManager(eventBuffer int) *Manager {
	if eventBuffer <= 0 {
		eventBuffer = 1024
	}
	return &Manager{
		sessions: make(map[key]*Session),
		events:   make(chan Event, eventBuffer),
	}
}

// GetOrCreate returns the session for the given key, creating it on first
// miss. Creation is atomic: the registry's lock is held across the
// check-then-create, so two concurrent calls for the same key always
// return the same instance.
func (m *Manager) GetOrCreate(service, sourceIP string, sourcePort int, targetIP string, targetPort int) *Session {
	k := key{service, sourceIP, sourcePort, targetIP, targetPort}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[k]; ok {
		return s
	}
	s := &Session{
		ID:         uuid.New(),
		Service:    service,
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		TargetIP:   targetIP,
		TargetPort: targetPort,
		CreatedAt:  time.Now().UTC(),
		events:     m.events,
	}
	m.sessions[k] = s
	return s
}

// EventChannel returns the registry's shared, bounded multi-producer
// multi-consumer event channel (spec.md 4.B).
func (m *Manager) EventChannel() <-chan Event {
	return m.events
}

// Count returns the number of distinct sessions tracked, mainly for tests
// and admin/info reporting.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (k key) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", k.service, k.sourceIP, k.sourcePort, k.targetIP, k.targetPort)
}

package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a single attack-session event (spec.md 9 — "make it structurally
// impossible to emit an unattached event"). Session.AddEvent, the path every
// protocol handler uses, stamps the owning session before the event ever
// reaches a sink. DecodeEvent, for collector-mode sinks that only ever
// observe an event after it has already round-tripped through MarshalJSON
// on a remote bus, reconstructs a detached Session carrying just the
// identity fields the wire form preserved. The owning session is an
// unexported field, so an Event built as a composite literal outside this
// package has no session.
type Event struct {
	Kind      string
	Timestamp time.Time
	Data      any
	Request   []byte
	Response  []byte
	session   *Session
}

// Session returns the event's owning session. It is non-nil for events
// built by AddEvent or DecodeEvent and nil for a zero or composite-literal
// Event (BusFeed.Consume delivers a zero Event for a message it cannot decode).
func (e Event) Session() *Session { return e.session }

// wireEvent is the JSON shape described in spec.md 6 ("Event JSON").
type wireEvent struct {
	Session    string `json:"session"`
	Event      string `json:"event"`
	Data       any    `json:"data"`
	Request    string `json:"request"`
	Response   string `json:"response"`
	Service    string `json:"service"`
	SourceIP   string `json:"source_ip"`
	SourcePort int    `json:"source_port"`
	TargetIP   string `json:"target_ip"`
	TargetPort int    `json:"target_port"`
	Timestamp  string `json:"timestamp"`
}

// MarshalJSON renders the event per spec.md 6's Event JSON schema: request
// and response are base64-encoded, data falls back to "" when nil, and
// session/service/endpoint fields are pulled from the owning session.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Event:     e.Kind,
		Data:      e.Data,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.Data == nil {
		w.Data = ""
	}
	if len(e.Request) > 0 {
		w.Request = base64.StdEncoding.EncodeToString(e.Request)
	}
	if len(e.Response) > 0 {
		w.Response = base64.StdEncoding.EncodeToString(e.Response)
	}
	if e.session != nil {
		w.Session = e.session.ID.String()
		w.Service = e.session.Service
		w.SourceIP = e.session.SourceIP
		w.SourcePort = e.session.SourcePort
		w.TargetIP = e.session.TargetIP
		w.TargetPort = e.session.TargetPort
	}
	return json.Marshal(w)
}

// DecodeEvent parses the Event JSON produced by MarshalJSON back into an
// Event attached to a detached Session carrying the identity fields the
// wire form preserved (session id, service, source/target IP:port) — the
// inverse a collector-mode sink needs after an event round-trips through a
// remote bus (spec.md 6's Event JSON; BusFeed.Log writes the full shape,
// so BusFeed.Consume must read all of it back, not just kind/data/timestamp).
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("session: decode event: %w", err)
	}

	e := Event{Kind: w.Event, Data: w.Data}
	if w.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			e.Timestamp = t
		}
	}
	if w.Request != "" {
		if b, err := base64.StdEncoding.DecodeString(w.Request); err == nil {
			e.Request = b
		}
	}
	if w.Response != "" {
		if b, err := base64.StdEncoding.DecodeString(w.Response); err == nil {
			e.Response = b
		}
	}

	id, _ := uuid.Parse(w.Session)
	e.session = &Session{
		ID:         id,
		Service:    w.Service,
		SourceIP:   w.SourceIP,
		SourcePort: w.SourcePort,
		TargetIP:   w.TargetIP,
		TargetPort: w.TargetPort,
	}
	return e, nil
}

// String renders a short human-readable summary, e.g. for console feeds.
func (e Event) String() string {
	sid := "<unattached>"
	if e.session != nil {
		sid = e.session.ID.String()
	}
	return "<Event '" + e.Kind + "' at " + e.Timestamp.String() + " in session '" + sid + "'>"
}

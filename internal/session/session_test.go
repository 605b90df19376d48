package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGetOrCreateIdempotent(t *testing.T) {
	m := NewManager(16)

	const n = 50
	var wg sync.WaitGroup
	results := make([]*Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate("router", "10.0.0.1", 3200, "10.0.0.2", 3201)
		}(i)
	}
	wg.Wait()

	first := results[0]
	for _, s := range results {
		if s != first {
			t.Fatalf("expected identical session instance, got distinct pointers")
		}
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", m.Count())
	}
}

func TestGetOrCreateDistinctKeys(t *testing.T) {
	m := NewManager(16)
	a := m.GetOrCreate("router", "1.1.1.1", 100, "2.2.2.2", 200)
	b := m.GetOrCreate("router", "1.1.1.1", 100, "2.2.2.2", 201)
	if a == b {
		t.Fatalf("expected distinct sessions for distinct target ports")
	}
	if m.Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.Count())
	}
}

func TestAddEventOrderingPreserved(t *testing.T) {
	m := NewManager(16)
	s := m.GetOrCreate("router", "1.1.1.1", 1, "2.2.2.2", 2)

	for i := 0; i < 5; i++ {
		s.AddEvent(fmt.Sprintf("step %d", i))
	}

	ch := m.EventChannel()
	for i := 0; i < 5; i++ {
		e := <-ch
		if e.Session() != s {
			t.Fatalf("event %d not attached to expected session", i)
		}
		if want := fmt.Sprintf("step %d", i); e.Kind != want {
			t.Fatalf("event %d out of order: got %q, want %q", i, e.Kind, want)
		}
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	m := NewManager(4)
	s := m.GetOrCreate("dispatcher", "127.0.0.1", 3300, "127.0.0.1", 3200)
	s.AddEvent("Login request sent the client",
		WithData(map[string]any{"inputs": []string{"user", "pass"}}),
		WithRequest([]byte{0x01, 0x02, 0x03}),
	)

	e := <-m.EventChannel()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded["session"] != s.ID.String() {
		t.Fatalf("session mismatch: %v", decoded["session"])
	}
	reqB64, _ := decoded["request"].(string)
	raw, err := base64.StdEncoding.DecodeString(reqB64)
	if err != nil {
		t.Fatalf("request not valid base64: %v", err)
	}
	if len(raw) != 3 || raw[0] != 0x01 {
		t.Fatalf("request bytes mismatch: %v", raw)
	}
	if _, err := time.Parse(time.RFC3339Nano, decoded["timestamp"].(string)); err != nil {
		t.Fatalf("timestamp does not parse: %v", err)
	}
}

func TestDecodeEventRoundTripsFullIdentity(t *testing.T) {
	m := NewManager(4)
	s := m.GetOrCreate("router", "10.0.0.1", 3299, "10.0.0.2", 3200)
	s.AddEvent("Route request accepted",
		WithData(map[string]any{"target": "10.0.0.2", "port": 3200}),
		WithRequest([]byte{0xaa, 0xbb}),
		WithResponse([]byte{0xcc}),
	)

	e := <-m.EventChannel()
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	if decoded.Kind != e.Kind {
		t.Fatalf("kind mismatch: got %q, want %q", decoded.Kind, e.Kind)
	}
	if decoded.Session().ID != s.ID {
		t.Fatalf("session id mismatch: got %s, want %s", decoded.Session().ID, s.ID)
	}
	if decoded.Session().Service != s.Service || decoded.Session().SourceIP != s.SourceIP ||
		decoded.Session().SourcePort != s.SourcePort || decoded.Session().TargetIP != s.TargetIP ||
		decoded.Session().TargetPort != s.TargetPort {
		t.Fatalf("session identity not fully preserved: got %+v, want %+v", decoded.Session(), s)
	}
	if len(decoded.Request) != 2 || decoded.Request[0] != 0xaa {
		t.Fatalf("request bytes not preserved: %v", decoded.Request)
	}
	if len(decoded.Response) != 1 || decoded.Response[0] != 0xcc {
		t.Fatalf("response bytes not preserved: %v", decoded.Response)
	}
	if !decoded.Timestamp.Equal(e.Timestamp) {
		t.Fatalf("timestamp not preserved: got %v, want %v", decoded.Timestamp, e.Timestamp)
	}
}

func TestEventDataDefaultsToEmptyString(t *testing.T) {
	m := NewManager(4)
	s := m.GetOrCreate("router", "a", 1, "b", 2)
	s.AddEvent("bare event")
	e := <-m.EventChannel()
	b, _ := json.Marshal(e)
	var decoded map[string]any
	json.Unmarshal(b, &decoded)
	if decoded["data"] != "" {
		t.Fatalf("expected empty data, got %v", decoded["data"])
	}
}

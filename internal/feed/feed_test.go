package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/secureauth/honeysap/internal/session"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []session.Event
	failOn string
}

func (r *recordingSink) Name() string                    { return r.name }
func (r *recordingSink) Setup(ctx context.Context) error { return nil }
func (r *recordingSink) Stop(ctx context.Context) error  { return nil }
func (r *recordingSink) Consume(ctx context.Context, out chan<- session.Event) error {
	return nil
}
func (r *recordingSink) Log(ctx context.Context, e session.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && e.Kind == r.failOn {
		return errFailingSink
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var errFailingSink = errSentinel("boom")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

func TestFanOutDeliversToAllSinks(t *testing.T) {
	mgr := session.NewManager(16)
	sess := mgr.GetOrCreate("router", "1.2.3.4", 1234, "5.6.7.8", 3200)

	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	p := New(nil, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan session.Event, 8)

	done := make(chan struct{})
	go func() {
		p.FanOut(ctx, events)
		close(done)
	}()

	sess.AddEvent("connect")
	select {
	case e := <-mgr.EventChannel():
		events <- e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	time.Sleep(50 * time.Millisecond)
	close(events)
	<-done
	cancel()

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both sinks to receive 1 event, got a=%d b=%d", a.count(), b.count())
	}
}

func TestFanOutIsolatesFailingSink(t *testing.T) {
	mgr := session.NewManager(16)
	sess := mgr.GetOrCreate("router", "1.2.3.4", 1234, "5.6.7.8", 3200)

	failing := &recordingSink{name: "failing", failOn: "connect"}
	ok := &recordingSink{name: "ok"}
	p := New(nil, failing, ok)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan session.Event, 8)

	done := make(chan struct{})
	go func() {
		p.FanOut(ctx, events)
		close(done)
	}()

	sess.AddEvent("connect")
	e := <-mgr.EventChannel()
	events <- e

	time.Sleep(50 * time.Millisecond)
	close(events)
	<-done
	cancel()

	if ok.count() != 1 {
		t.Fatalf("expected healthy sink to still receive the event, got %d", ok.count())
	}
}

func TestConsumeInvokesHandlerPerEvent(t *testing.T) {
	src := &fakeConsumeSink{events: []session.Event{{Kind: "a"}, {Kind: "b"}}}
	var got []string
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := Consume(ctx, src, func(e session.Event) {
		got = append(got, e.Kind)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestConsumeHandlerPanicDoesNotAbort(t *testing.T) {
	src := &fakeConsumeSink{events: []session.Event{{Kind: "panics"}, {Kind: "survives"}}}
	var got []string
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = Consume(ctx, src, func(e session.Event) {
		if e.Kind == "panics" {
			panic("boom")
		}
		got = append(got, e.Kind)
	})
	if len(got) != 1 || got[0] != "survives" {
		t.Fatalf("expected handler to recover and continue, got %v", got)
	}
}

type fakeConsumeSink struct {
	events []session.Event
}

func (f *fakeConsumeSink) Name() string                   { return "fake" }
func (f *fakeConsumeSink) Setup(ctx context.Context) error { return nil }
func (f *fakeConsumeSink) Stop(ctx context.Context) error  { return nil }
func (f *fakeConsumeSink) Log(ctx context.Context, e session.Event) error {
	return nil
}
func (f *fakeConsumeSink) Consume(ctx context.Context, out chan<- session.Event) error {
	for _, e := range f.events {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(out)
	return nil
}

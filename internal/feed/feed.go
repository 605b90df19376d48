// Package feed implements the event pipeline described in spec.md 4.C: a set
// of Sinks that either receive every session.Event as it is produced
// (honeypot mode, fan-out) or produce events for a single collecting
// consumer (collector mode). The fan-out/wake mechanics are grounded on the
// teacher's server/eventlog.go EventLog (Publish/Subscribe), adapted from
// rig's lifecycle-event domain to attack-session events; isolation of sink
// failures is grounded on the original honeysap.core.feeder dispatcher loop.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/secureauth/honeysap/internal/session"
)

// Sink is implemented by every event destination. Setup and Stop bracket the
// sink's lifetime; Log is called once per event in honeypot (fan-out) mode;
// Consume is called once in collector mode and should block, delivering
// events it receives from elsewhere (a queue, a bus) onto out until ctx is
// done.
type Sink interface {
	Name() string
	Setup(ctx context.Context) error
	Log(ctx context.Context, event session.Event) error
	Consume(ctx context.Context, out chan<- session.Event) error
	Stop(ctx context.Context) error
}

// Pipeline owns a set of sinks and runs them in one of two modes.
type Pipeline struct {
	sinks  []Sink
	logger *slog.Logger
}

// New creates a Pipeline over the given sinks, in the order they should be
// set up (and stopped in reverse order).
func New(logger *slog.Logger, sinks ...Sink) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{sinks: sinks, logger: logger}
}

// Setup calls Setup on every sink, in order. If any sink fails, the sinks
// already set up are stopped before returning the error.
func (p *Pipeline) Setup(ctx context.Context) error {
	for i, s := range p.sinks {
		if err := s.Setup(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = p.sinks[j].Stop(ctx)
			}
			return fmt.Errorf("feed: setup sink %q: %w", s.Name(), err)
		}
	}
	return nil
}

// Stop calls Stop on every sink in reverse setup order, collecting but not
// aborting on individual errors.
func (p *Pipeline) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(p.sinks) - 1; i >= 0; i-- {
		if err := p.sinks[i].Stop(ctx); err != nil {
			p.logger.Warn("sink stop failed", "sink", p.sinks[i].Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FanOut runs honeypot mode: every event read from events is delivered to
// every sink's Log method, one feeder goroutine per sink so a slow or
// failing sink cannot block the others. Returns when events is closed and
// every feeder has drained, or when ctx is cancelled.
func (p *Pipeline) FanOut(ctx context.Context, events <-chan session.Event) {
	if len(p.sinks) == 0 {
		return
	}

	feeders := make([]chan session.Event, len(p.sinks))
	var wg sync.WaitGroup
	for i, s := range p.sinks {
		feeders[i] = make(chan session.Event, 256)
		wg.Add(1)
		go func(s Sink, ch <-chan session.Event) {
			defer wg.Done()
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						return
					}
					if err := s.Log(ctx, e); err != nil {
						p.logger.Error("sink log failed", "sink", s.Name(), "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}(s, feeders[i])
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				for _, ch := range feeders {
					close(ch)
				}
				wg.Wait()
				return
			}
			for i, ch := range feeders {
				select {
				case ch <- e:
				default:
					p.logger.Warn("sink feeder backlogged, dropping event", "sink", p.sinks[i].Name())
				}
			}
		case <-ctx.Done():
			for _, ch := range feeders {
				close(ch)
			}
			wg.Wait()
			return
		}
	}
}

// Consume runs collector mode: exactly one sink (the configured remote
// source) produces events via its Consume method onto an internal queue,
// and handler is invoked once per event. A panic from handler is recovered
// and logged per event and does not stop the consumer (spec.md 4.C —
// "exceptions while handling a single event must not abort the consumer").
func Consume(ctx context.Context, sink Sink, handler func(session.Event)) error {
	queue := make(chan session.Event, 256)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sink.Consume(ctx, queue)
	}()

	for {
		select {
		case e, ok := <-queue:
			if !ok {
				return <-errCh
			}
			safeHandle(handler, e)
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func safeHandle(handler func(session.Event), e session.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("feed consumer handler panicked", "recovered", r)
		}
	}()
	handler(e)
}

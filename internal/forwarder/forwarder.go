// Package forwarder implements the plain TCP forwarder described in
// spec.md 4.I: a bidirectional copy loop between a client connection and a
// dialed remote target, either accepted directly (external mode) or handed
// off from the router (virtual mode). Grounded on the teacher's
// internal/server/proxy/tcp.go accept/dial/relay shape, adapted from a
// byte-counting io.Copy relay to a per-chunk session-event relay using
// manual reads so every forwarded chunk can be logged individually.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/secureauth/honeysap/internal/service"
	"github.com/secureauth/honeysap/internal/session"
)

// pollInterval bounds how long a single read blocks before the copy loop
// re-checks ctx, giving cancellation the same responsiveness as a gevent
// select poll over both sockets (spec.md 4.I).
const pollInterval = 500 * time.Millisecond

const chunkSize = 4096

// Config holds the forwarder's configured identity and target, per
// spec.md 6's forwarder service-entry schema.
type Config struct {
	Name            string
	ListenerAddress string
	ListenerPort    int
	TargetHost      string
	TargetPort      int
	DialTimeout     time.Duration
}

// Forwarder is the Forwarder service implementation. In external mode it
// owns a listener; in virtual mode it is only ever reached through
// HandleVirtual and BaseTCPService's accept loop is never started.
type Forwarder struct {
	*service.BaseTCPService

	cfg      Config
	sessions *session.Manager
	logger   *slog.Logger
}

// New creates a forwarder. Call Setup/Run for external mode, or register it
// in a service.Directory and rely on HandleVirtual for virtual mode.
func New(cfg Config, sessions *session.Manager, logger *slog.Logger) *Forwarder {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	f := &Forwarder{cfg: cfg, sessions: sessions, logger: logger}
	addr := net.JoinHostPort(cfg.ListenerAddress, strconv.Itoa(cfg.ListenerPort))
	f.BaseTCPService = service.NewBaseTCPService(cfg.Name, addr, logger, f.handle)
	return f
}

func (f *Forwarder) Name() string { return f.cfg.Name }

// HandleVirtual dials the configured remote and enters the copy loop
// against conn, exactly as the external-mode accept path does (spec.md 4.I,
// "Virtual" mode).
func (f *Forwarder) HandleVirtual(ctx context.Context, conn net.Conn) error {
	return f.forward(ctx, conn)
}

func (f *Forwarder) handle(ctx context.Context, c *service.Client) error {
	return f.forward(ctx, c.Conn)
}

func (f *Forwarder) forward(ctx context.Context, client net.Conn) error {
	host, portStr, _ := net.SplitHostPort(client.RemoteAddr().String())
	port, _ := strconv.Atoi(portStr)
	sess := f.sessions.GetOrCreate(f.cfg.Name, host, port, f.cfg.TargetHost, f.cfg.TargetPort)
	sess.AddEvent("Connection accepted")

	remote, err := net.DialTimeout("tcp", net.JoinHostPort(f.cfg.TargetHost, strconv.Itoa(f.cfg.TargetPort)), f.cfg.DialTimeout)
	if err != nil {
		sess.AddEvent("Target connection failed", session.WithData(err.Error()))
		return fmt.Errorf("forwarder %s: dial target: %w", f.cfg.Name, err)
	}
	defer remote.Close()

	// When either direction ends (peer close, read/write error) or ctx is
	// cancelled, both connections are closed so the other direction ends too.
	stop := make(chan struct{})
	var stopOnce sync.Once
	endRelay := func() { stopOnce.Do(func() { close(stop) }) }
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		client.Close()
		remote.Close()
	}()
	defer endRelay()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer endRelay()
		f.copyLoop(ctx, sess, client, remote, "request")
	}()
	go func() {
		defer wg.Done()
		defer endRelay()
		f.copyLoop(ctx, sess, remote, client, "response")
	}()
	wg.Wait()

	sess.AddEvent("Connection closed")
	return nil
}

// copyLoop relays chunks from src to dst, emitting one "Forwarding packet"
// event per chunk tagged with direction (request = client-to-target,
// response = target-to-client). It polls via a read deadline so ctx
// cancellation is observed between reads (spec.md 4.I, "poll with short
// timeout").
func (f *Forwarder) copyLoop(ctx context.Context, sess *session.Session, src, dst net.Conn, direction string) {
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		src.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if _, werr := dst.Write(chunk); werr != nil {
				return
			}
			data := map[string]any{"target_host": f.cfg.TargetHost, "target_port": f.cfg.TargetPort}
			if direction == "request" {
				sess.AddEvent("Forwarding packet", session.WithData(data), session.WithRequest(chunk))
			} else {
				sess.AddEvent("Forwarding packet", session.WithData(data), session.WithResponse(chunk))
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return // EOF or any other read error ends this direction
		}
	}
}

// Package service provides the TCP runtime shared by every service
// implementation (router, dispatcher, forwarder): a bind/accept loop, a
// mutex-guarded client map, and the Service interface itself, per spec.md
// 4.F. Grounded on the teacher's internal/server/proxy/tcp.go accept/relay
// loop and on server/orchestrator.go's use of github.com/matgreaves/run for
// concurrent, first-error-cancels supervision — generalized here from rig's
// artifact/service-phase split to the honeypot's flat set of listening
// services (spec.md 9, "Dynamic plugin loading" — replaced with an explicit
// string-tag Registry, no directory scanning).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/matgreaves/run"
)

// Service is implemented by every service kind (router, dispatcher,
// forwarder). Setup prepares any listener/state; Run blocks, serving
// connections until ctx is cancelled; Stop requests a graceful shutdown;
// HandleVirtual is invoked by another service (typically the router) when a
// connection is handed off to this service without it ever having accepted
// the socket itself (spec.md 9, "Socket handoff for routed connections").
type Service interface {
	Name() string
	Setup(ctx context.Context) error
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	HandleVirtual(ctx context.Context, conn net.Conn) error
}

// Flags records per-client protocol state tracked across the lifetime of a
// connection (spec.md 4.F).
type Flags struct {
	Routed    bool
	Connected bool
	Traced    bool
}

// Client is the per-connection record every BaseTCPService maintains. The
// router's route-acceptance path is the only place that sets Routed, and it
// sets TargetService and Port (the routed hop's port) alongside it. It does
// not set Partner, so Partner stays nil on routed clients (spec.md 4.F).
type Client struct {
	ID            string
	Conn          net.Conn
	ConnectedAt   int64 // unix nanos; stamped by the caller, not this package
	Flags         Flags
	Partner       *Client
	Port          int // the service port this client was routed to
	TargetService Service
	TalkMode      int
	NIVersion     int
	ContextID     string
	Terminal      string
	Init          bool
}

// PeerAddr returns the client's remote address string, used as the client
// map key.
func (c *Client) PeerAddr() string {
	if c.Conn == nil {
		return ""
	}
	return c.Conn.RemoteAddr().String()
}

// BaseTCPService implements the bind/accept/dispatch boilerplate shared by
// every listening service: a listener, a per-connection handler spawned in
// its own goroutine, and a mutex-guarded client map keyed by peer address
// (spec.md 9, "Shared mutable clients map" — guarded with a lock).
type BaseTCPService struct {
	name    string
	addr    string
	logger  *slog.Logger
	handler func(ctx context.Context, c *Client) error

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]*Client
	nextID   atomic.Int64
}

// NewBaseTCPService creates the shared accept-loop helper for a service
// listening on addr, dispatching each accepted connection to handler.
func NewBaseTCPService(name, addr string, logger *slog.Logger, handler func(ctx context.Context, c *Client) error) *BaseTCPService {
	return &BaseTCPService{
		name:    name,
		addr:    addr,
		logger:  logger,
		handler: handler,
		clients: make(map[string]*Client),
	}
}

// Setup binds the listener.
func (b *BaseTCPService) Setup(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("service %q: listen on %s: %w", b.name, b.addr, err)
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()
	return nil
}

// Addr returns the bound listener's address. Only valid after Setup.
func (b *BaseTCPService) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Run accepts connections until ctx is cancelled or the listener closes,
// spawning handler in its own goroutine per connection.
func (b *BaseTCPService) Run(ctx context.Context) error {
	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("service %q: Run called before Setup", b.name)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("service %q: accept: %w", b.name, err)
		}
		go b.serve(ctx, conn)
	}
}

func (b *BaseTCPService) serve(ctx context.Context, conn net.Conn) {
	id := b.nextID.Add(1)
	client := &Client{ID: strconv.FormatInt(id, 10), Conn: conn}
	b.addClient(client)
	defer b.removeClient(client.PeerAddr())

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("connection handler panicked", "service", b.name, "peer", client.PeerAddr(), "recovered", r)
		}
		conn.Close()
	}()

	if err := b.handler(ctx, client); err != nil {
		b.logger.Debug("connection handler returned error", "service", b.name, "peer", client.PeerAddr(), "error", err)
	}
}

func (b *BaseTCPService) addClient(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c.PeerAddr()] = c
}

func (b *BaseTCPService) removeClient(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, addr)
}

// FindByAddress returns the client connected from host:port, if any.
func (b *BaseTCPService) FindByAddress(addr string) (*Client, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[addr]
	return c, ok
}

// Clients returns a snapshot of all currently tracked clients, mainly for
// admin/info reporting.
func (b *BaseTCPService) Clients() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c)
	}
	return out
}

// Stop closes the listener, causing Run to return.
func (b *BaseTCPService) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Close()
}

// Directory tracks the bind address of every running service so the router
// can resolve a route's next hop via FindByAddress without reaching back
// into per-service accept-loop state (spec.md 4.G).
type Directory struct {
	mu     sync.Mutex
	byAddr map[string]Service
}

// NewDirectory creates an empty service directory.
func NewDirectory() *Directory {
	return &Directory{byAddr: make(map[string]Service)}
}

// Register associates a service with the address it is reachable at.
func (d *Directory) Register(host string, port int, s Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byAddr[fmt.Sprintf("%s:%d", host, port)] = s
}

// FindByAddress returns the service bound at host:port, if any.
func (d *Directory) FindByAddress(host string, port int) (Service, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byAddr[fmt.Sprintf("%s:%d", host, port)]
	return s, ok
}

// Registry maps string service-class tags ("SAPRouter", "SAPDispatcher",
// "Forwarder") to constructor functions, replacing the source's reflective
// directory scan (spec.md 9).
type Registry struct {
	mu           sync.Mutex
	constructors map[string]func() Service
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]func() Service)}
}

// Register associates tag with a constructor. Intended to be called from an
// init() in each service implementation's package.
func (r *Registry) Register(tag string, ctor func() Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[tag] = ctor
}

// New constructs a new Service instance for tag.
func (r *Registry) New(tag string) (Service, error) {
	r.mu.Lock()
	ctor, ok := r.constructors[tag]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("service: unknown service tag %q", tag)
	}
	return ctor(), nil
}

// Manager supervises a set of services concurrently using run.Group, so
// that the first service to fail cancels the others (grounded on
// server/orchestrator.go's servicePhase/artifactPhase run.Func composition).
type Manager struct {
	services map[string]Service
}

// NewManager creates an empty service manager.
func NewManager() *Manager {
	return &Manager{services: make(map[string]Service)}
}

// Add registers a running service under name.
func (m *Manager) Add(name string, s Service) {
	m.services[name] = s
}

// Runner builds a run.Runner that sets up and runs every registered
// service concurrently via run.Group, stopping all of them on first error
// or context cancellation.
func (m *Manager) Runner() run.Runner {
	return run.Func(func(ctx context.Context) error {
		for name, s := range m.services {
			if err := s.Setup(ctx); err != nil {
				return fmt.Errorf("service %q: setup: %w", name, err)
			}
		}

		group := make(run.Group, len(m.services))
		for name, s := range m.services {
			group[name] = run.Func(s.Run)
		}

		err := group.Run(ctx)

		for _, s := range m.services {
			s.Stop(context.Background())
		}

		return err
	})
}

// Get returns the named service, if registered.
func (m *Manager) Get(name string) (Service, bool) {
	s, ok := m.services[name]
	return s, ok
}

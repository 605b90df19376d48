// Package router implements the router protocol handler described in
// spec.md 4.G — the largest single component: the NEW -> CONTROL_NEGOTIATED
// -> (ROUTE_PENDING) -> ROUTED -> CLOSED/ERROR state machine that accepts
// inbound connections, negotiates NI control, validates and resolves route
// requests against a routetable.Table, and on acceptance hands the raw
// connection off to the target service's HandleVirtual. Grounded on the
// teacher's internal/server/proxy/tcp.go accept/relay loop for the
// handoff/ownership-transfer shape, generalized from a fixed TCP relay to a
// protocol state machine that only sometimes ends in a handoff.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/secureauth/honeysap/internal/datastore"
	"github.com/secureauth/honeysap/internal/niproto"
	"github.com/secureauth/honeysap/internal/routetable"
	"github.com/secureauth/honeysap/internal/service"
	"github.com/secureauth/honeysap/internal/session"
)

// Config holds the router's configured identity and policy, per spec.md 6's
// router service-entry schema.
type Config struct {
	Hostname            string
	Release             string
	RouterVersion        int
	RouterVersionPatch   string
	InfoPassword         string
	ExternalAdmin        bool
	Timeout              time.Duration // default 5s, applied by the caller
	ListenerAddress      string
	ListenerPort         int
	RouteTableFilename   string
	RouteTableWorkingDir string
	ParentPID            int
	ParentPort           int
	PID                  int
	TimeStarted          time.Time
}

// connState is the per-connection state machine position (spec.md 4.G).
type connState int

const (
	stateNew connState = iota
	stateControlNegotiated
	stateRoutePending
	stateRouted
	stateError
)

// Router is the SAPRouter service implementation.
type Router struct {
	*service.BaseTCPService

	cfg       Config
	table     *routetable.Table
	directory *service.Directory
	sessions  *session.Manager
	store     datastore.DataStore
	logger    *slog.Logger
}

// New creates a router bound to cfg.ListenerAddress:cfg.ListenerPort. store
// records each accepted route, keyed by source and target endpoints and
// valued with the acceptance time; the admin info response does not read it
// (spec.md 4.F's "access to {server, client_map, datastore, session_registry, service_manager}").
func New(cfg Config, table *routetable.Table, directory *service.Directory, sessions *session.Manager, store datastore.DataStore, logger *slog.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	r := &Router{cfg: cfg, table: table, directory: directory, sessions: sessions, store: store, logger: logger}
	addr := net.JoinHostPort(cfg.ListenerAddress, strconv.Itoa(cfg.ListenerPort))
	r.BaseTCPService = service.NewBaseTCPService("SAPRouter", addr, logger, r.handle)
	return r
}

func (r *Router) Name() string { return "SAPRouter" }

// HandleVirtual is not supported: the router is never itself a routing
// target (spec.md describes SAPRouter only ever as the entry point).
func (r *Router) HandleVirtual(ctx context.Context, conn net.Conn) error {
	return fmt.Errorf("router: SAPRouter does not accept virtual handoff")
}

func (r *Router) handle(ctx context.Context, c *service.Client) error {
	conn := c.Conn
	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port, _ := strconv.Atoi(portStr)
	sess := r.sessions.GetOrCreate("router", host, port, r.cfg.ListenerAddress, r.cfg.ListenerPort)
	sess.AddEvent("Connection accepted")

	state := stateNew

	for {
		if state != stateRouted {
			conn.SetReadDeadline(time.Now().Add(r.cfg.Timeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		payload, err := niproto.ReadFrame(conn, 0)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				r.sendError(conn, niproto.ReturnTimeout, "connection timed out")
				sess.AddEvent("Route pending timeout")
				return nil
			}
			return fmt.Errorf("router: read frame: %w", err)
		}

		switch niproto.Classify(payload) {
		case niproto.MsgControl:
			state = r.handleControl(conn, payload, sess, state)
		case niproto.MsgAdmin:
			if done := r.handleAdmin(ctx, conn, payload, sess); done {
				return nil
			}
		case niproto.MsgRoute:
			routed, err := r.handleRoute(ctx, conn, payload, c, sess, host, port)
			if err != nil {
				return err
			}
			if routed {
				return nil // ownership of conn has transferred to the target service
			}
		default:
			r.logger.Debug("router: unclassifiable message", "peer", conn.RemoteAddr())
		}
	}
}

func (r *Router) handleControl(conn net.Conn, payload []byte, sess *session.Session, state connState) connState {
	msg, err := niproto.DecodeControl(payload)
	if err != nil {
		r.sendError(conn, niproto.ReturnInvalidVersion, "invalid client version")
		return state
	}
	if msg.Opcode != niproto.OpVersionRequest {
		r.sendError(conn, niproto.ReturnInvalidVersion, "invalid client version")
		return state
	}

	reply := niproto.ControlMsg{
		Opcode:       niproto.OpVersionReply,
		ClientNIVers: r.cfg.RouterVersion,
		ReturnCode:   niproto.ReturnInvalidVersion,
	}
	r.write(conn, niproto.EncodeControl(reply))
	sess.AddEvent("NI version negotiated", session.WithData(map[string]any{"client_ni_version": msg.ClientNIVers}))
	return stateControlNegotiated
}

// handleAdmin handles an admin message; it returns true when the connection
// should be closed afterward (info requests always close; trace requests
// and rejections do not).
func (r *Router) handleAdmin(ctx context.Context, conn net.Conn, payload []byte, sess *session.Session) bool {
	msg, err := niproto.DecodeAdmin(payload)
	if err != nil {
		r.logger.Debug("router: malformed admin message", "error", err)
		return false
	}

	if !r.cfg.ExternalAdmin {
		r.sendError(conn, niproto.ReturnDenied, "Admin from remote denied")
		return false
	}

	switch msg.Command {
	case niproto.AdmInfo:
		if r.cfg.InfoPassword != "" && strings.TrimSpace(msg.Password) != strings.TrimSpace(r.cfg.InfoPassword) {
			r.sendError(conn, niproto.ReturnDenied, "route denied")
			return true
		}
		r.streamInfo(conn)
		return true
	case niproto.AdmTrace:
		// Only the first client id in the request is traced; later ids in
		// the same request are not processed. Preserved from the source
		// behavior rather than "fixed" into a loop over every id (see
		// DESIGN.md's Open Question decision on this handler).
		if len(msg.ClientIDs) > 0 {
			id := msg.ClientIDs[0]
			for _, cl := range r.BaseTCPService.Clients() {
				if fmt.Sprint(id) == cl.ID {
					cl.Flags.Traced = true
					break
				}
			}
		}
		return false
	default:
		r.logger.Debug("router: unhandled admin command", "command", msg.Command)
		return false
	}
}

// streamInfo writes the info response: one block per client, a server info
// block, and three fixed ASCII status lines (spec.md 4.G).
func (r *Router) streamInfo(conn net.Conn) {
	for _, cl := range r.BaseTCPService.Clients() {
		r.write(conn, []byte(fmt.Sprintf("client %s routed=%v\x00", cl.PeerAddr(), cl.Flags.Routed)))
	}
	r.write(conn, []byte(fmt.Sprintf("server pid=%d ppid=%d started_on_unix=%d port=%d parent_port=%d\x00",
		r.cfg.PID, r.cfg.ParentPID, r.cfg.TimeStarted.Unix(), r.cfg.ListenerPort, r.cfg.ParentPort)))
	r.write(conn, []byte(fmt.Sprintf("Total no. of clients: %d\x00", len(r.BaseTCPService.Clients()))))
	r.write(conn, []byte(fmt.Sprintf("Working directory   : %s\x00", r.cfg.RouteTableWorkingDir)))
	r.write(conn, []byte(fmt.Sprintf("Routtab             : %s\x00", r.cfg.RouteTableFilename)))
}

// handleRoute validates and resolves a route request. It returns
// (true, nil) when the connection has been handed off to a target service
// (the caller must stop touching conn), and (false, nil) when the
// connection should keep being served by this handler (e.g. after a
// rejection).
func (r *Router) handleRoute(ctx context.Context, conn net.Conn, payload []byte, c *service.Client, sess *session.Session, srcHost string, srcPort int) (bool, error) {
	req, err := niproto.DecodeRouteRequest(payload)
	if err != nil {
		r.sendError(conn, niproto.ReturnDenied, "route permission denied")
		return false, nil
	}

	if !r.validateRoute(req) {
		r.sendError(conn, niproto.ReturnDenied, "route permission denied (malformed request)")
		sess.AddEvent("Route request denied", session.WithData("malformed route request"))
		return false, nil
	}

	hop := req.Hops[req.RestNodes]
	result := r.table.Lookup(hop.Host, hop.Port)

	if result.Action == routetable.Deny {
		r.sendError(conn, niproto.ReturnDenied, fmt.Sprintf("route permission denied (%s, %s:%d, %s, %d)",
			hop.Host, srcHost, srcPort, hop.Host, hop.Port))
		sess.AddEvent("Route request denied", session.WithData(map[string]any{"target": hop.Host, "port": hop.Port}))
		return false, nil
	}

	if result.Mode != niproto.ModeAny && result.Mode != req.TalkMode {
		r.sendError(conn, niproto.ReturnDenied, "route permission denied (mode mismatch)")
		sess.AddEvent("Route request denied", session.WithData("mode mismatch"))
		return false, nil
	}

	if result.Password != "" {
		if hop.Password != result.Password {
			r.sendError(conn, niproto.ReturnDenied, "route permission denied (invalid password)")
			sess.AddEvent("Route request denied, invalid password")
			return false, nil
		}
		sess.AddEvent("Route request allowed, valid password")
	}

	target, ok := r.directory.FindByAddress(hop.Host, hop.Port)
	if !ok {
		sess.AddEvent("Target service not available", session.WithData(map[string]any{"host": hop.Host, "port": hop.Port}))
		return false, nil
	}

	c.Flags.Routed = true
	c.Flags.Connected = true
	c.TargetService = target
	c.TalkMode = int(req.TalkMode)
	c.Port = hop.Port

	r.write(conn, []byte("PONG"))
	sess.AddEvent("Route request accepted", session.WithData(map[string]any{"target": hop.Host, "port": hop.Port}))
	if r.store != nil {
		r.store.Put(fmt.Sprintf("route:%s:%d:%s:%d", srcHost, srcPort, hop.Host, hop.Port), time.Now().UTC())
	}

	conn.SetReadDeadline(time.Time{})
	if err := target.HandleVirtual(ctx, conn); err != nil {
		r.logger.Debug("router: target service handoff returned error", "error", err)
	}
	return true, nil
}

// validateRoute checks the rules listed in spec.md 4.G. Each rule failure is
// treated as a hard reject — no rule has lenient fallback semantics (see
// DESIGN.md's Open Question decision).
func (r *Router) validateRoute(req niproto.RouteRequest) bool {
	if req.NIVersion > r.cfg.RouterVersion {
		return false
	}
	if len(req.Hops) < 1 {
		return false
	}
	if req.Entries < 2 || req.Entries != len(req.Hops) {
		return false
	}
	if req.RestNodes >= req.Entries {
		return false
	}
	if req.Offset >= req.Length {
		return false
	}
	sum := 0
	for i := 0; i < req.RestNodes && i < len(req.Hops); i++ {
		sum += hopWireLen(req.Hops[i])
	}
	if req.Offset != sum {
		return false
	}
	first := req.Hops[0]
	if first.Host != r.cfg.ListenerAddress || first.Port != r.cfg.ListenerPort {
		return false
	}
	return true
}

func hopWireLen(h niproto.Hop) int {
	return 2 + 2 + len(h.Host) + 2 + len(h.Password)
}

func (r *Router) sendError(conn net.Conn, code int, message string) {
	r.write(conn, niproto.EncodeErrorMsg(niproto.ErrorMsg{ReturnCode: code, Message: message}))
}

func (r *Router) write(conn net.Conn, payload []byte) {
	if err := niproto.WriteFrame(conn, payload); err != nil {
		r.logger.Debug("router: write failed", "error", err)
	}
}


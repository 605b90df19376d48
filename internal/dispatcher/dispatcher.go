// Package dispatcher implements the dispatcher protocol handler described
// in spec.md 4.H: login-screen synthesis and credential capture through the
// DYNT form-atom submission path. Grounded on the teacher's
// internal/server/proxy/tcp.go per-connection handler shape and on
// internal/router for the sibling protocol-state-machine style within this
// module.
package dispatcher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/secureauth/honeysap/internal/niproto"
	"github.com/secureauth/honeysap/internal/service"
	"github.com/secureauth/honeysap/internal/session"
)

// Config holds the dispatcher's configured identity, per spec.md 6's
// dispatcher service-entry schema.
type Config struct {
	Hostname         string
	SID              string
	ClientNo         string
	SessionTitle     string
	DatabaseVersion  string
	KernelVersion    string
	KernelPatchLevel string
	Timeout          time.Duration
	ListenerAddress  string
	ListenerPort     int
}

const errorMessage = "E: Unable to process your request, try later"

// connState tracks per-connection dispatcher state (spec.md 4.H).
type connState struct {
	init      bool
	terminal  string
	contextID string
}

// Dispatcher is the SAPDispatcher service implementation.
type Dispatcher struct {
	*service.BaseTCPService

	cfg      Config
	sessions *session.Manager
	logger   *slog.Logger
}

// New creates a dispatcher bound to cfg.ListenerAddress:cfg.ListenerPort.
func New(cfg Config, sessions *session.Manager, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &Dispatcher{cfg: cfg, sessions: sessions, logger: logger}
	addr := net.JoinHostPort(cfg.ListenerAddress, strconv.Itoa(cfg.ListenerPort))
	d.BaseTCPService = service.NewBaseTCPService("SAPDispatcher", addr, logger, d.handle)
	return d
}

func (d *Dispatcher) Name() string { return "SAPDispatcher" }

// HandleVirtual serves a connection handed off by the router, identically
// to one the dispatcher accepted itself.
func (d *Dispatcher) HandleVirtual(ctx context.Context, conn net.Conn) error {
	c := &service.Client{ID: conn.RemoteAddr().String(), Conn: conn}
	return d.handle(ctx, c)
}

func (d *Dispatcher) handle(ctx context.Context, c *service.Client) error {
	conn := c.Conn
	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port, _ := strconv.Atoi(portStr)
	sess := d.sessions.GetOrCreate("dispatcher", host, port, d.cfg.ListenerAddress, d.cfg.ListenerPort)
	sess.AddEvent("Connection accepted")

	var state connState

	for {
		conn.SetReadDeadline(time.Now().Add(d.cfg.Timeout))

		payload, err := niproto.ReadFrame(conn, 0)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d.logOff(conn, sess)
				return nil
			}
			return fmt.Errorf("dispatcher: read frame: %w", err)
		}

		if !state.init {
			if niproto.ClassifyDispatcher(payload) != niproto.DispInit {
				d.logger.Debug("dispatcher: expected init payload, got other message")
				continue
			}
			init, err := niproto.DecodeInit(payload)
			if err != nil {
				d.logger.Debug("dispatcher: malformed init payload", "error", err)
				continue
			}
			state.terminal = init.Terminal
			state.contextID, err = newContextID()
			if err != nil {
				return fmt.Errorf("dispatcher: generate context id: %w", err)
			}
			state.init = true

			sess.AddEvent("Initialization request received", session.WithData(map[string]any{"terminal": state.terminal}))
			d.write(conn, niproto.EncodeLoginScreen(niproto.LoginScreen{
				Hostname:         d.cfg.Hostname,
				SID:              d.cfg.SID,
				ClientNo:         d.cfg.ClientNo,
				SessionTitle:     d.cfg.SessionTitle,
				DatabaseVersion:  d.cfg.DatabaseVersion,
				KernelVersion:    d.cfg.KernelVersion,
				KernelPatchLevel: d.cfg.KernelPatchLevel,
				ContextID:        state.contextID,
			}))
			continue
		}

		if done := d.handlePostInit(conn, payload, sess); done {
			return nil
		}
	}
}

// handlePostInit processes a message once the connection has completed
// initialization. It returns true when the connection has been logged off
// and should be closed.
func (d *Dispatcher) handlePostInit(conn net.Conn, payload []byte, sess *session.Session) bool {
	switch niproto.ClassifyDispatcher(payload) {
	case niproto.DispOKCode:
		ok, err := niproto.DecodeOKCode(payload)
		if err != nil {
			d.logger.Debug("dispatcher: malformed OK-code message", "error", err)
			return false
		}
		if ok.Code == niproto.CloseWindowOKCode {
			sess.AddEvent("Windows closed by the client")
			d.logOff(conn, sess)
			return true
		}
		return false

	case niproto.DispUIEvent:
		evt, err := niproto.DecodeUIEvent(payload)
		if err != nil {
			d.logger.Debug("dispatcher: malformed UI event message", "error", err)
			return false
		}
		switch {
		case evt.IsFunctionKey && evt.Type == niproto.FuncKeyType && evt.Control == niproto.FuncKeyControl && evt.Data == niproto.FuncKeyLogOff:
			sess.AddEvent("Log off event")
			d.logOff(conn, sess)
			return true
		case evt.IsFunctionKey && evt.Type == niproto.FuncKeyType && evt.Control == niproto.FuncKeyControl && evt.Data == niproto.FuncKeyEnter:
			sess.AddEvent("Enter event")
		case evt.IsMenuPos:
			sess.AddEvent("Menu event")
		default:
			sess.AddEvent("Other event")
		}
		return false

	case niproto.DispDynt:
		dynt, err := niproto.DecodeDynt(payload)
		if err != nil {
			d.logger.Debug("dispatcher: malformed DYNT message", "error", err)
			return false
		}
		d.handleDynt(conn, dynt, sess)
		return false

	default:
		d.write(conn, niproto.EncodeErrorScreen(niproto.ErrorScreen{Message: errorMessage, Compressed: false}))
		return false
	}
}

// handleDynt collects the login screen's submitted text fields and emits
// the credential-capture event, per spec.md 4.H.
func (d *Dispatcher) handleDynt(conn net.Conn, dynt niproto.DyntMsg, sess *session.Session) {
	var inputs []string
	for _, atom := range dynt.Atoms {
		if !niproto.IsCollectedEtype(atom.Etype) {
			continue
		}
		text := atom.Primary
		if text == "" {
			text = atom.Secondary
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		inputs = append(inputs, text)
	}

	sess.AddEvent("Login request sent the client", session.WithData(map[string]any{"inputs": inputs}))
	d.write(conn, niproto.EncodeErrorScreen(niproto.ErrorScreen{Message: errorMessage, Compressed: true}))
}

// logOff sends the terminal packet, closes the connection, and removes the
// client record, per spec.md 4.H. BaseTCPService's serve loop performs the
// map removal and close via its deferred cleanup once handle returns.
func (d *Dispatcher) logOff(conn net.Conn, sess *session.Session) {
	d.write(conn, niproto.EncodeTerminal(niproto.TerminalMsg{EndOfProcessing: true, EndOfConnection: true}))
	sess.AddEvent("Connection closed")
}

func (d *Dispatcher) write(conn net.Conn, payload []byte) {
	if err := niproto.WriteFrame(conn, payload); err != nil {
		d.logger.Debug("dispatcher: write failed", "error", err)
	}
}

// newContextID generates a 32-character uppercase hex context id from a
// cryptographic RNG (spec.md 8's testable property).
func newContextID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(fmt.Sprintf("%x", b)), nil
}

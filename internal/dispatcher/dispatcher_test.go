package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/secureauth/honeysap/internal/niproto"
	"github.com/secureauth/honeysap/internal/service"
	"github.com/secureauth/honeysap/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := Config{
		Hostname:        "sap-gw",
		SID:             "PRD",
		ClientNo:        "001",
		Timeout:         time.Second,
		ListenerAddress: "10.0.0.1",
		ListenerPort:    3200,
	}
	return New(cfg, session.NewManager(64), discardLogger())
}

func driveConn(d *Dispatcher, peer net.Conn) {
	c := &service.Client{ID: "1", Conn: peer}
	go d.handle(context.Background(), c)
}

func TestInitSendsLoginScreen(t *testing.T) {
	d := testDispatcher(t)
	client, peer := net.Pipe()
	defer client.Close()
	driveConn(d, peer)

	niproto.WriteFrame(client, niproto.EncodeInit(niproto.InitPayload{Terminal: "t1"}))

	payload, err := niproto.ReadFrame(client, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	screen, err := niproto.DecodeLoginScreen(payload)
	if err != nil {
		t.Fatalf("DecodeLoginScreen: %v", err)
	}
	if screen.Hostname != "sap-gw" || screen.SID != "PRD" {
		t.Fatalf("unexpected screen: %+v", screen)
	}
	if len(screen.ContextID) != 32 {
		t.Fatalf("expected 32-char context id, got %q (len %d)", screen.ContextID, len(screen.ContextID))
	}
	for _, r := range screen.ContextID {
		if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')) {
			t.Fatalf("context id contains non-uppercase-hex char: %q", screen.ContextID)
		}
	}
}

func TestDyntCredentialCapture(t *testing.T) {
	d := testDispatcher(t)
	client, peer := net.Pipe()
	defer client.Close()
	driveConn(d, peer)

	niproto.WriteFrame(client, niproto.EncodeInit(niproto.InitPayload{Terminal: "t1"}))
	if _, err := niproto.ReadFrame(client, 0); err != nil {
		t.Fatalf("ReadFrame (login screen): %v", err)
	}

	dynt := niproto.DyntMsg{Atoms: []niproto.DyntAtom{
		{Etype: niproto.EtypeInputChar, Primary: "user", Invisible: false},
		{Etype: niproto.EtypeInputChar, Primary: "pass", Invisible: true},
	}}
	niproto.WriteFrame(client, niproto.EncodeDynt(dynt))

	payload, err := niproto.ReadFrame(client, 0)
	if err != nil {
		t.Fatalf("ReadFrame (error screen): %v", err)
	}
	screen, err := niproto.DecodeErrorScreen(payload)
	if err != nil {
		t.Fatalf("DecodeErrorScreen: %v", err)
	}
	if !screen.Compressed {
		t.Fatalf("expected compressed error screen after form submission")
	}
	if screen.Message != errorMessage {
		t.Fatalf("unexpected message: %q", screen.Message)
	}
}

func TestOKCodeClosesWindow(t *testing.T) {
	d := testDispatcher(t)
	client, peer := net.Pipe()
	defer client.Close()
	driveConn(d, peer)

	niproto.WriteFrame(client, niproto.EncodeInit(niproto.InitPayload{Terminal: "t1"}))
	if _, err := niproto.ReadFrame(client, 0); err != nil {
		t.Fatalf("ReadFrame (login screen): %v", err)
	}

	niproto.WriteFrame(client, niproto.EncodeOKCode(niproto.OKCodeMsg{Code: niproto.CloseWindowOKCode}))

	payload, err := niproto.ReadFrame(client, 0)
	if err != nil {
		t.Fatalf("ReadFrame (terminal): %v", err)
	}
	term, err := niproto.DecodeTerminal(payload)
	if err != nil {
		t.Fatalf("DecodeTerminal: %v", err)
	}
	if !term.EndOfProcessing || !term.EndOfConnection {
		t.Fatalf("expected both terminal flags set, got %+v", term)
	}
}

func TestLogOffFunctionKeyEvent(t *testing.T) {
	d := testDispatcher(t)
	client, peer := net.Pipe()
	defer client.Close()
	driveConn(d, peer)

	niproto.WriteFrame(client, niproto.EncodeInit(niproto.InitPayload{Terminal: "t1"}))
	if _, err := niproto.ReadFrame(client, 0); err != nil {
		t.Fatalf("ReadFrame (login screen): %v", err)
	}

	niproto.WriteFrame(client, niproto.EncodeUIEvent(niproto.UIEventSource{
		IsFunctionKey: true, Type: niproto.FuncKeyType, Control: niproto.FuncKeyControl, Data: niproto.FuncKeyLogOff,
	}))

	payload, err := niproto.ReadFrame(client, 0)
	if err != nil {
		t.Fatalf("ReadFrame (terminal): %v", err)
	}
	if _, err := niproto.DecodeTerminal(payload); err != nil {
		t.Fatalf("DecodeTerminal: %v", err)
	}
}

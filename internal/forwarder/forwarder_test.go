package forwarder

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/secureauth/honeysap/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startEchoTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestForwarderExternalRelaysBothDirections(t *testing.T) {
	targetAddr := startEchoTarget(t)
	targetHost, targetPortStr, _ := net.SplitHostPort(targetAddr)
	targetPort, err := strconv.Atoi(targetPortStr)
	if err != nil {
		t.Fatalf("parse target port: %v", err)
	}

	cfg := Config{
		Name:            "Forwarder",
		ListenerAddress: "127.0.0.1",
		ListenerPort:    0,
		TargetHost:      targetHost,
		TargetPort:      targetPort,
	}
	f := New(cfg, session.NewManager(64), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	listenerAddr := f.Addr()
	go f.Run(ctx)

	conn, err := net.Dial("tcp", listenerAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if line != "hello\n" {
		t.Fatalf("expected echo of hello, got %q", line)
	}
}

func TestForwarderVirtualHandoff(t *testing.T) {
	targetAddr := startEchoTarget(t)
	targetHost, targetPortStr, _ := net.SplitHostPort(targetAddr)
	targetPort, err := strconv.Atoi(targetPortStr)
	if err != nil {
		t.Fatalf("parse target port: %v", err)
	}

	cfg := Config{Name: "Forwarder", TargetHost: targetHost, TargetPort: targetPort}
	f := New(cfg, session.NewManager(64), discardLogger())

	client, peer := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- f.HandleVirtual(context.Background(), peer) }()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected ping echo, got %q", buf)
	}
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleVirtual did not return after client close")
	}
}

package service

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBaseTCPServiceAcceptsAndTracksClients(t *testing.T) {
	done := make(chan struct{})
	b := NewBaseTCPService("test", "127.0.0.1:0", discardLogger(), func(ctx context.Context, c *Client) error {
		close(done)
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	addr := b.listener.Addr().String()

	go b.Run(ctx)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	// Give addClient a moment relative to the handler's close(done).
	time.Sleep(20 * time.Millisecond)
	if len(b.Clients()) != 1 {
		t.Fatalf("expected 1 tracked client, got %d", len(b.Clients()))
	}
}

func TestBaseTCPServiceRemovesClientOnClose(t *testing.T) {
	handlerDone := make(chan struct{})
	b := NewBaseTCPService("test", "127.0.0.1:0", discardLogger(), func(ctx context.Context, c *Client) error {
		defer close(handlerDone)
		buf := make([]byte, 1)
		c.Conn.Read(buf)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	addr := b.listener.Addr().String()
	go b.Run(ctx)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatal("handler did not complete")
	}
	time.Sleep(20 * time.Millisecond)
	if len(b.Clients()) != 0 {
		t.Fatalf("expected client to be removed after close, got %d", len(b.Clients()))
	}
}

func TestBaseTCPServiceHandlerPanicDoesNotCrashAccept(t *testing.T) {
	calls := make(chan struct{}, 2)
	b := NewBaseTCPService("test", "127.0.0.1:0", discardLogger(), func(ctx context.Context, c *Client) error {
		calls <- struct{}{}
		panic("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	addr := b.listener.Addr().String()
	go b.Run(ctx)

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("handler %d was not invoked", i)
		}
	}
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("Echo", func() Service { return nil })
	if _, err := r.New("Echo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.New("Missing"); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}

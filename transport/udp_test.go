package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu   sync.Mutex
	got  [][]byte
	done chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 1)}
}

func (h *recordingHandler) OnDatagram(_ net.Addr, payload []byte) {
	h.mu.Lock()
	h.got = append(h.got, append([]byte(nil), payload...))
	h.mu.Unlock()
	select {
	case h.done <- struct{}{}:
	default:
	}
}

func TestSocketSendReceiveLoopback(t *testing.T) {
	server, err := Listen(Config{ListenAddr: "127.0.0.1:0", IdleTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newRecordingHandler()
	go func() { _ = server.Run(ctx, h) }()

	client, err := Listen(Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.SendTo(server.LocalAddr(), []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.got) != 1 || string(h.got[0]) != "hello" {
		t.Fatalf("got %v", h.got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, err := Listen(Config{ListenAddr: "127.0.0.1:0", IdleTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, newRecordingHandler()) }()
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Run to return an error on cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

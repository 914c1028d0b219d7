package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/metrics"
	"github.com/karstnetwork/karst/pkg/types"
)

const testProtocol = "/karst/test/1"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(config.DefaultRpcConfig(), metrics.New())
	t.Cleanup(srv.Close)
	return srv
}

// startSession wires a client pipe to a served session and returns the
// client end plus a channel yielding the server-side result.
func startSession(t *testing.T, srv *Server, peer types.NodeID) (io.ReadWriteCloser, chan error) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- srv.ServeSession(context.Background(), peer, serverEnd)
	}()
	return clientEnd, done
}

func waitSession(t *testing.T, done chan error) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestUnaryCall_RoundTrip(t *testing.T) {
	srv := newTestServer(t)
	srv.Register(testProtocol, []uint32{1}, HandlerFunc(
		func(_ context.Context, method string, body []byte, stream *Stream) error {
			return stream.Send(append([]byte(method+": "), body...))
		}))

	peer := types.NodeID{1}
	end, done := startSession(t, srv, peer)

	client, err := Dial(end, testProtocol, []uint32{1}, config.DefaultRpcConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	got, err := client.Call(context.Background(), "echo", []byte("hello"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !bytes.Equal(got, []byte("echo: hello")) {
		t.Errorf("unexpected response %q", got)
	}
	if client.Version() != 1 {
		t.Errorf("negotiated version %d, want 1", client.Version())
	}

	client.Close()
	waitSession(t, done)
}

func TestDial_UnknownProtocolGetsNotFound(t *testing.T) {
	srv := newTestServer(t)

	end, done := startSession(t, srv, types.NodeID{2})

	_, err := Dial(end, "/karst/nope/1", []uint32{1}, config.DefaultRpcConfig())
	var st *Status
	if !errors.As(err, &st) || st.Code != StatusNotFound {
		t.Fatalf("expected StatusNotFound, got %v", err)
	}
	waitSession(t, done)
}

func TestDial_NoCommonVersion(t *testing.T) {
	srv := newTestServer(t)
	srv.Register(testProtocol, []uint32{2}, HandlerFunc(
		func(context.Context, string, []byte, *Stream) error { return nil }))

	end, done := startSession(t, srv, types.NodeID{3})

	_, err := Dial(end, testProtocol, []uint32{1}, config.DefaultRpcConfig())
	var st *Status
	if !errors.As(err, &st) || st.Code != StatusProtocolError {
		t.Fatalf("expected StatusProtocolError, got %v", err)
	}
	waitSession(t, done)
}

func TestCall_HandlerStatusPropagates(t *testing.T) {
	srv := newTestServer(t)
	srv.Register(testProtocol, []uint32{1}, HandlerFunc(
		func(context.Context, string, []byte, *Stream) error {
			return Statusf(StatusBadRequest, "malformed block height")
		}))

	end, done := startSession(t, srv, types.NodeID{4})
	client, err := Dial(end, testProtocol, []uint32{1}, config.DefaultRpcConfig())
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Call(context.Background(), "get", nil)
	var st *Status
	if !errors.As(err, &st) || st.Code != StatusBadRequest {
		t.Fatalf("expected StatusBadRequest, got %v", err)
	}
	if st.Message != "malformed block height" {
		t.Errorf("status message lost: %q", st.Message)
	}

	client.Close()
	waitSession(t, done)
}

func TestStreamCall_ReceivesAllItemsThenEOF(t *testing.T) {
	srv := newTestServer(t)
	srv.Register(testProtocol, []uint32{1}, HandlerFunc(
		func(_ context.Context, _ string, _ []byte, stream *Stream) error {
			for i := 0; i < 3; i++ {
				if err := stream.Send([]byte(fmt.Sprintf("item-%d", i))); err != nil {
					return err
				}
			}
			return nil
		}))

	end, done := startSession(t, srv, types.NodeID{5})
	client, err := Dial(end, testProtocol, []uint32{1}, config.DefaultRpcConfig())
	if err != nil {
		t.Fatal(err)
	}

	stream, err := client.StreamCall(context.Background(), "list", nil)
	if err != nil {
		t.Fatal(err)
	}
	var items []string
	for {
		item, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		items = append(items, string(item))
	}
	if len(items) != 3 || items[0] != "item-0" || items[2] != "item-2" {
		t.Errorf("unexpected stream items %v", items)
	}

	client.Close()
	waitSession(t, done)
}

func TestClose_ReturnsAfterStreamAbandoned(t *testing.T) {
	srv := newTestServer(t)
	srv.Register(testProtocol, []uint32{1}, HandlerFunc(
		func(_ context.Context, _ string, _ []byte, stream *Stream) error {
			for i := 0; i < 64; i++ {
				if err := stream.Send([]byte(fmt.Sprintf("item-%d", i))); err != nil {
					return err
				}
			}
			return nil
		}))

	end, done := startSession(t, srv, types.NodeID{8})
	client, err := Dial(end, testProtocol, []uint32{1}, config.DefaultRpcConfig())
	if err != nil {
		t.Fatal(err)
	}

	stream, err := client.StreamCall(context.Background(), "list", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Take one item, then walk away without draining or closing the
	// stream. The remaining items overflow the stream buffer.
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind the abandoned stream")
	}
	waitSession(t, done)
}

func TestStreamClose_SessionStaysUsable(t *testing.T) {
	srv := newTestServer(t)
	srv.Register(testProtocol, []uint32{1}, HandlerFunc(
		func(_ context.Context, method string, body []byte, stream *Stream) error {
			if method == "list" {
				for i := 0; i < 64; i++ {
					if err := stream.Send([]byte(fmt.Sprintf("item-%d", i))); err != nil {
						return err
					}
				}
				return nil
			}
			return stream.Send(body)
		}))

	end, done := startSession(t, srv, types.NodeID{9})
	client, err := Dial(end, testProtocol, []uint32{1}, config.DefaultRpcConfig())
	if err != nil {
		t.Fatal(err)
	}

	stream, err := client.StreamCall(context.Background(), "list", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	stream.Close()

	// Late frames for the closed stream must be discarded, not wedge
	// the demux loop: a fresh unary call on the same session succeeds.
	callCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := client.Call(callCtx, "echo", []byte("still alive"))
	if err != nil {
		t.Fatalf("Call after stream close: %v", err)
	}
	if !bytes.Equal(got, []byte("still alive")) {
		t.Errorf("unexpected response %q", got)
	}

	client.Close()
	waitSession(t, done)
}

func TestConcurrentCalls_MultiplexOnOneSession(t *testing.T) {
	srv := newTestServer(t)
	srv.Register(testProtocol, []uint32{1}, HandlerFunc(
		func(_ context.Context, _ string, body []byte, stream *Stream) error {
			return stream.Send(body)
		}))

	end, done := startSession(t, srv, types.NodeID{6})
	client, err := Dial(end, testProtocol, []uint32{1}, config.DefaultRpcConfig())
	if err != nil {
		t.Fatal(err)
	}

	results := make(chan string, 2)
	for _, payload := range []string{"alpha", "beta"} {
		p := payload
		go func() {
			got, err := client.Call(context.Background(), "echo", []byte(p))
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- string(got)
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			seen[r] = true
		case <-time.After(2 * time.Second):
			t.Fatal("concurrent calls stalled")
		}
	}
	if !seen["alpha"] || !seen["beta"] {
		t.Errorf("responses crossed wires: %v", seen)
	}

	client.Close()
	waitSession(t, done)
}

func TestSessionAccounting_AndBanTriggeredClose(t *testing.T) {
	srv := newTestServer(t)
	srv.Register(testProtocol, []uint32{1}, HandlerFunc(
		func(context.Context, string, []byte, *Stream) error { return nil }))

	peer := types.NodeID{7}
	end, done := startSession(t, srv, peer)
	client, err := Dial(end, testProtocol, []uint32{1}, config.DefaultRpcConfig())
	if err != nil {
		t.Fatal(err)
	}

	if srv.ActiveSessionCount() != 1 || srv.SessionsForPeer(peer) != 1 {
		t.Fatalf("session not tracked: total=%d", srv.ActiveSessionCount())
	}

	if closed := srv.CloseSessionsForPeer(peer); closed != 1 {
		t.Errorf("expected 1 closed session, got %d", closed)
	}
	waitSession(t, done)
	if srv.ActiveSessionCount() != 0 {
		t.Errorf("session still tracked after close: %d", srv.ActiveSessionCount())
	}

	client.Close()
}

func TestFramer_RejectsOversizeFrames(t *testing.T) {
	var buf bytes.Buffer
	fr := newFramer(&buf, 64)

	err := fr.write(&frame{Kind: frameRequest, Body: bytes.Repeat([]byte{'x'}, 128)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("write: expected ErrFrameTooLarge, got %v", err)
	}

	// A peer announcing an oversized frame is caught before allocation.
	buf.Reset()
	buf.Write([]byte{0x00, 0x10, 0x00, 0x00})
	if _, err := fr.read(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("read: expected ErrFrameTooLarge, got %v", err)
	}
}

func TestNegotiateVersion(t *testing.T) {
	if v, ok := negotiateVersion([]uint32{1, 2, 3}, []uint32{2, 3}); !ok || v != 3 {
		t.Errorf("expected highest common version 3, got %d (%v)", v, ok)
	}
	if _, ok := negotiateVersion([]uint32{1}, []uint32{2}); ok {
		t.Error("disjoint version sets must not negotiate")
	}
}

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newEchoServer(t *testing.T, onConnect func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		if onConnect != nil {
			onConnect(conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialAndWaitForDataChannelOpen(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(context.Background(), wsURL, "secret-123")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if !conn.WaitForDataChannelOpen(time.Second) {
		t.Fatalf("WaitForDataChannelOpen() = false, want true")
	}
	if conn.State() != StateReady {
		t.Fatalf("State() = %v, want StateReady", conn.State())
	}

	select {
	case evt := <-conn.Events():
		if evt["type"] != "session.created" {
			t.Fatalf("event type = %v, want session.created", evt["type"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWaitForDataChannelOpenTimesOut(t *testing.T) {
	srv := newEchoServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(context.Background(), wsURL, "")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if conn.WaitForDataChannelOpen(50 * time.Millisecond) {
		t.Fatalf("WaitForDataChannelOpen() = true, want false when no frame arrives")
	}
}

func TestRemoteAudioExtractedFromDeltaFrames(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": "aGVsbG8="})
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(context.Background(), wsURL, "")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	select {
	case chunk := <-conn.RemoteAudio():
		if string(chunk.Data) != "hello" {
			t.Fatalf("chunk.Data = %q, want decoded delta %q", chunk.Data, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio chunk")
	}
}

func TestOnDisconnectCalledWhenServerCloses(t *testing.T) {
	var connected *websocket.Conn
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		connected = conn
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(context.Background(), wsURL, "")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	conn.OnDisconnect(func() { close(done) })

	time.Sleep(20 * time.Millisecond)
	if connected != nil {
		_ = connected.Close()
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect was never called")
	}
}

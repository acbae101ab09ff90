package netclient

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"essencetap.gg/internal/protocol"
)

type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	hellos chan protocol.HelloMsg
	msgs   chan []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		hellos:   make(chan protocol.HelloMsg, 8),
		msgs:     make(chan []byte, 64),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hello protocol.HelloMsg
		if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != protocol.TypeHello {
			_ = conn.Close()
			return
		}
		ts.hellos <- hello

		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       "sess-1",
			PlayerID:        "p1",
			ResumeToken:     "resume-1",
		}
		if err := conn.WriteJSON(welcome); err != nil {
			return
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ts.msgs <- msg
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) latestConn(t *testing.T) *websocket.Conn {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		t.Fatalf("no server-side connection")
	}
	return ts.conns[len(ts.conns)-1]
}

func testManager(url string) *Manager {
	return New(Config{
		URL:         url,
		PlayerName:  "tapper",
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		MaxAttempts: 3,
	}, log.New(io.Discard, "", 0))
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for m.State() != want {
		select {
		case <-deadline:
			t.Fatalf("state never reached %v, still %v", want, m.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
		{63, 30 * time.Second}, // overflow guard
	}
	for _, c := range cases {
		if got := BackoffDelay(base, max, c.attempt); got != c.want {
			t.Fatalf("attempt %d: got %v want %v", c.attempt, got, c.want)
		}
	}
}

func TestConnectHandshake(t *testing.T) {
	ts := newTestServer(t)
	m := testManager(ts.wsURL())
	defer m.Disconnect()

	m.Connect()
	waitForState(t, m, Connected)

	select {
	case hello := <-ts.hellos:
		if hello.PlayerName != "tapper" || hello.ProtocolVersion != protocol.Version {
			t.Fatalf("hello: %+v", hello)
		}
	case <-time.After(time.Second):
		t.Fatalf("server never saw HELLO")
	}
	if m.SessionID() != "sess-1" {
		t.Fatalf("session id: %q", m.SessionID())
	}
}

func TestSendDeliversToServer(t *testing.T) {
	ts := newTestServer(t)
	m := testManager(ts.wsURL())
	defer m.Disconnect()
	m.Connect()
	waitForState(t, m, Connected)

	if err := m.Send(protocol.SyncRequestMsg{Type: protocol.TypeSyncRequest, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-ts.msgs:
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeSyncRequest {
			t.Fatalf("server got %s (%v)", msg, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("message never arrived")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m := testManager("ws://127.0.0.1:1/ws")
	if err := m.Send(protocol.SyncRequestMsg{Type: protocol.TypeSyncRequest}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestInboundDelivery(t *testing.T) {
	ts := newTestServer(t)
	m := testManager(ts.wsURL())
	defer m.Disconnect()
	m.Connect()
	waitForState(t, m, Connected)

	full := protocol.FullStateMsg{
		Type:            protocol.TypeFullState,
		ProtocolVersion: protocol.Version,
		State:           protocol.GameState{Essence: 42},
		Sequence:        7,
	}
	if err := ts.latestConn(t).WriteJSON(full); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case msg := <-m.Inbound():
		var got protocol.FullStateMsg
		if err := json.Unmarshal(msg, &got); err != nil || got.State.Essence != 42 {
			t.Fatalf("inbound: %s (%v)", msg, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("inbound never delivered")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	ts := newTestServer(t)
	m := testManager(ts.wsURL())
	defer m.Disconnect()
	m.Connect()
	waitForState(t, m, Connected)

	if err := ts.latestConn(t).WriteJSON(protocol.PingMsg{Type: protocol.TypePing}); err != nil {
		t.Fatalf("server ping: %v", err)
	}
	select {
	case msg := <-ts.msgs:
		base, _ := protocol.DecodeBase(msg)
		if base.Type != protocol.TypePong {
			t.Fatalf("expected PONG, got %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("pong never arrived")
	}
}

func TestReconnectAfterDropOffersResumeToken(t *testing.T) {
	ts := newTestServer(t)
	m := testManager(ts.wsURL())
	defer m.Disconnect()
	m.Connect()
	waitForState(t, m, Connected)
	<-ts.hellos // first HELLO carries no resume token

	// Drop from the server side; the client must come back on its own.
	_ = ts.latestConn(t).Close()
	waitForState(t, m, Connected)

	select {
	case hello := <-ts.hellos:
		if hello.Auth == nil || hello.Auth.ResumeToken != "resume-1" {
			t.Fatalf("second HELLO should offer the resume token: %+v", hello)
		}
	case <-time.After(time.Second):
		t.Fatalf("no second HELLO")
	}
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close() // nothing is listening anymore

	m := testManager(url)
	m.Connect()
	waitForState(t, m, Failed)

	// Explicit re-initiation recovers from the terminal state.
	ts := newTestServer(t)
	m.cfg.URL = ts.wsURL()
	m.Connect()
	waitForState(t, m, Connected)
	m.Disconnect()
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	ts := newTestServer(t)
	m := testManager(ts.wsURL())
	m.Connect()
	waitForState(t, m, Connected)

	m.Disconnect()
	waitForState(t, m, Disconnected)

	// No dial loop should remain; state must stay Disconnected.
	time.Sleep(100 * time.Millisecond)
	if m.State() != Disconnected {
		t.Fatalf("state after disconnect: %v", m.State())
	}
}

func TestGoodbyeNoRetryStopsReconnect(t *testing.T) {
	ts := newTestServer(t)
	m := testManager(ts.wsURL())
	m.Connect()
	waitForState(t, m, Connected)

	bye := protocol.GoodbyeMsg{Type: protocol.TypeGoodbye, ProtocolVersion: protocol.Version, Reason: "maintenance", Retry: false}
	if err := ts.latestConn(t).WriteJSON(bye); err != nil {
		t.Fatalf("server goodbye: %v", err)
	}
	waitForState(t, m, Disconnected)

	time.Sleep(100 * time.Millisecond)
	if m.State() != Disconnected {
		t.Fatalf("client must not retry after no-retry GOODBYE: %v", m.State())
	}
}

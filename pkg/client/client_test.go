package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaWS "github.com/gorilla/websocket"

	"github.com/codex-team/ctproto/pkg/message"
)

// testBackend is a scripted websocket peer: every inbound frame goes to
// the handle func, which writes whatever the scenario calls for.
type testBackend struct {
	t      *testing.T
	ts     *httptest.Server
	handle func(conn *gorillaWS.Conn, frameType int, data []byte)

	mu    sync.Mutex
	conns []*gorillaWS.Conn
}

func newTestBackend(t *testing.T, handle func(conn *gorillaWS.Conn, frameType int, data []byte)) (*testBackend, string) {
	t.Helper()

	b := &testBackend{t: t, handle: handle}
	upgrader := gorillaWS.Upgrader{}

	b.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		for {
			frameType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.handle(conn, frameType, data)
		}
	}))
	t.Cleanup(b.ts.Close)

	return b, "ws" + strings.TrimPrefix(b.ts.URL, "http")
}

// shutdown stops the listener and kills live sockets so every further
// dial fails.
func (b *testBackend) shutdown() {
	b.dropConnections()
	b.ts.Close()
}

func (b *testBackend) dropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func writeResponse(conn *gorillaWS.Conn, messageID string, payload any) {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(&message.Envelope{MessageID: messageID, Payload: raw})
	conn.WriteMessage(gorillaWS.TextMessage, data)
}

// respondAll answers every text envelope, authorize included, with the
// given payload.
func respondAll(payload any) func(conn *gorillaWS.Conn, frameType int, data []byte) {
	return func(conn *gorillaWS.Conn, frameType int, data []byte) {
		if frameType != gorillaWS.TextMessage {
			return
		}
		var env message.Envelope
		if json.Unmarshal(data, &env) != nil {
			return
		}
		writeResponse(conn, env.MessageID, payload)
	}
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()

	opts.DisableLogs = true
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 30 * time.Millisecond
	}

	cli, err := New(opts)
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestClient_SendResolvesResponse(t *testing.T) {
	_, url := newTestBackend(t, respondAll(map[string]bool{"pong": true}))

	cli := newTestClient(t, Options{APIURL: url})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := cli.Send(ctx, "ping", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	var payload map[string]bool
	if err := json.Unmarshal(resp, &payload); err != nil || !payload["pong"] {
		t.Errorf("unexpected response payload: %s", resp)
	}
}

func TestClient_OnAuthReceivesAuthorizeResponse(t *testing.T) {
	_, url := newTestBackend(t, func(conn *gorillaWS.Conn, frameType int, data []byte) {
		var env message.Envelope
		if json.Unmarshal(data, &env) != nil {
			return
		}
		if env.Type == message.TypeAuthorize {
			var req map[string]string
			json.Unmarshal(env.Payload, &req)
			writeResponse(conn, env.MessageID, map[string]string{"userId": "u-" + req["token"]})
		}
	})

	authDone := make(chan json.RawMessage, 1)
	cli := newTestClient(t, Options{
		APIURL:             url,
		AuthRequestPayload: map[string]string{"token": "T"},
		OnAuth: func(payload json.RawMessage) {
			authDone <- payload
		},
	})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case payload := <-authDone:
		var data map[string]string
		if err := json.Unmarshal(payload, &data); err != nil || data["userId"] != "u-T" {
			t.Errorf("unexpected auth payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAuth was not called")
	}
}

func TestClient_OnMessageReceivesUpdates(t *testing.T) {
	_, url := newTestBackend(t, func(conn *gorillaWS.Conn, frameType int, data []byte) {
		var env message.Envelope
		if json.Unmarshal(data, &env) != nil {
			return
		}
		if env.Type == message.TypeAuthorize {
			writeResponse(conn, env.MessageID, map[string]bool{"ok": true})
			// Push a server-initiated update right after authorization.
			update, _ := json.Marshal(&message.Envelope{
				MessageID: "updatemsg0",
				Type:      "news",
				Payload:   json.RawMessage(`{"headline":"hi"}`),
			})
			conn.WriteMessage(gorillaWS.TextMessage, update)
		}
	})

	updates := make(chan *message.Envelope, 1)
	cli := newTestClient(t, Options{
		APIURL:    url,
		OnMessage: func(env *message.Envelope) { updates <- env },
	})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case env := <-updates:
		if env.Type != "news" || env.MessageID != "updatemsg0" {
			t.Errorf("unexpected update: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage was not called")
	}
}

func TestClient_ResponseWithTypeAlsoDispatchesUpdate(t *testing.T) {
	_, url := newTestBackend(t, func(conn *gorillaWS.Conn, frameType int, data []byte) {
		var env message.Envelope
		if json.Unmarshal(data, &env) != nil {
			return
		}
		// Answer with a typed envelope reusing the request id: it must
		// resolve the pending request and arrive as an update.
		typed, _ := json.Marshal(&message.Envelope{
			MessageID: env.MessageID,
			Type:      "state",
			Payload:   json.RawMessage(`{"v":1}`),
		})
		conn.WriteMessage(gorillaWS.TextMessage, typed)
	})

	updates := make(chan *message.Envelope, 4)
	cli := newTestClient(t, Options{
		APIURL:    url,
		OnMessage: func(env *message.Envelope) { updates <- env },
	})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := cli.Send(ctx, "query", nil)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if string(resp) != `{"v":1}` {
		t.Errorf("unexpected response payload: %s", resp)
	}

	found := false
	deadline := time.After(2 * time.Second)
	for !found {
		select {
		case env := <-updates:
			if env.Type == "state" {
				found = true
			}
		case <-deadline:
			t.Fatal("typed response was not dispatched as an update")
		}
	}
}

func TestClient_QueuesWhileDisconnectedAndFlushesOnReconnect(t *testing.T) {
	backend, url := newTestBackend(t, respondAll(map[string]bool{"ok": true}))

	cli := newTestClient(t, Options{APIURL: url, ReconnectInterval: 30 * time.Millisecond})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Kill the transport from the server side; the client notices and
	// schedules a reconnect.
	backend.dropConnections()
	deadline := time.Now().Add(2 * time.Second)
	for {
		cli.mu.Lock()
		status := cli.status
		cli.mu.Unlock()
		if status != statusOpen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never noticed the disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Issued while down: the message is queued and goes out after the
	// reconnect succeeds.
	resp, err := cli.Send(ctx, "queued", map[string]int{"n": 7})
	if err != nil {
		t.Fatalf("queued send failed: %v", err)
	}
	var payload map[string]bool
	if err := json.Unmarshal(resp, &payload); err != nil || !payload["ok"] {
		t.Errorf("unexpected response payload: %s", resp)
	}
}

func TestClient_ReconnectBudgetExhausted(t *testing.T) {
	backend, url := newTestBackend(t, respondAll(map[string]bool{"ok": true}))

	cli := newTestClient(t, Options{
		APIURL:               url,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Take the backend away for good.
	backend.shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := cli.Send(ctx, "doomed", nil)
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
}

func TestClient_SendAfterCloseFails(t *testing.T) {
	_, url := newTestBackend(t, respondAll(map[string]bool{"ok": true}))

	cli := newTestClient(t, Options{APIURL: url})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	cli.Close()

	_, err := cli.Send(context.Background(), "late", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClient_SendContextCancelled(t *testing.T) {
	// The backend swallows everything except authorize.
	_, url := newTestBackend(t, func(conn *gorillaWS.Conn, frameType int, data []byte) {
		var env message.Envelope
		if json.Unmarshal(data, &env) != nil {
			return
		}
		if env.Type == message.TypeAuthorize {
			writeResponse(conn, env.MessageID, map[string]bool{"ok": true})
		}
	})

	cli := newTestClient(t, Options{APIURL: url})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := cli.Send(ctx, "ignored", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// The abandoned entry is gone from the pending table (the authorize
	// entry resolves on its own shortly after connect).
	deadline := time.Now().Add(2 * time.Second)
	for {
		cli.mu.Lock()
		pendingLen := len(cli.pending)
		cli.mu.Unlock()
		if pendingLen == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected empty pending table, got %d entries", pendingLen)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_InvalidOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for missing APIURL")
	}
	if _, err := New(Options{APIURL: "not a url"}); err == nil {
		t.Error("expected error for malformed APIURL")
	}
}

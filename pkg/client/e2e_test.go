package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codex-team/ctproto/pkg/message"
	"github.com/codex-team/ctproto/pkg/server"
)

// Full-stack test: real client against the real protocol server.
func TestEndToEnd_AuthorizeSendUpload(t *testing.T) {
	uploaded := make(chan []byte, 1)

	srv, err := server.New(server.Options{
		Port:        1,
		DisableLogs: true,
		OnAuth: func(ctx context.Context, payload json.RawMessage) (any, error) {
			var req struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(payload, &req); err != nil || req.Token != "T" {
				return nil, fmt.Errorf("bad token")
			}
			return map[string]string{"userId": "u1"}, nil
		},
		OnMessage: func(ctx context.Context, env *message.Envelope) (any, error) {
			return env.Payload, nil
		},
		OnUploadMessage: func(ctx context.Context, req *server.UploadRequest) (any, error) {
			uploaded <- append([]byte(nil), req.File...)
			return map[string]string{"path": "/tmp/" + req.FileID}, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	authorized := make(chan json.RawMessage, 1)
	cli := newTestClient(t, Options{
		APIURL:             url,
		AuthRequestPayload: map[string]string{"token": "T"},
		ChunkSize:          10,
		OnAuth:             func(payload json.RawMessage) { authorized <- payload },
	})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case payload := <-authorized:
		var authData map[string]string
		if err := json.Unmarshal(payload, &authData); err != nil || authData["userId"] != "u1" {
			t.Fatalf("unexpected auth data: %s", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("authorization never completed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := cli.Send(ctx, "echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	var echoed map[string]string
	if err := json.Unmarshal(resp, &echoed); err != nil || echoed["hello"] != "world" {
		t.Errorf("unexpected echo payload: %s", resp)
	}

	file := bytes.Repeat([]byte("z"), 25)
	result, err := cli.SendFile(ctx, "store", file, map[string]string{"name": "f"})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	var stored map[string]string
	if err := json.Unmarshal(result, &stored); err != nil || !strings.HasPrefix(stored["path"], "/tmp/") {
		t.Errorf("unexpected upload result: %s", result)
	}

	select {
	case got := <-uploaded:
		if !bytes.Equal(got, file) {
			t.Errorf("server reassembled %d bytes, want %d identical", len(got), len(file))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("upload handler never ran")
	}
}

package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/storage-relay/internal/block"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newRPCServer(t *testing.T, result string, seen *[]rpcRequest, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		*seen = append(*seen, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCPusherSendsMessage(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []rpcRequest
	)
	srv := newRPCServer(t, "OK", &seen, &mu)

	p := NewRPCPusher("push", time.Second, zap.NewNop())
	defer p.Close()

	msg := Message{
		Height: 5,
		Data: []block.Event{
			{Kind: block.KindValue, Prefix: "aaa", Value: json.RawMessage("123")},
		},
	}
	if err := p.Push(context.Background(), srv.URL, msg); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected 1 request, got %d", len(seen))
	}
	if seen[0].Method != "push" {
		t.Errorf("expected method push, got %s", seen[0].Method)
	}
	if len(seen[0].Params) != 1 {
		t.Fatalf("expected a single param, got %d", len(seen[0].Params))
	}

	var got struct {
		Height uint64 `json:"height"`
		Data   []struct {
			Kind   string          `json:"kind"`
			Prefix string          `json:"prefix"`
			Key    *string         `json:"key"`
			Value  json.RawMessage `json:"value"`
		} `json:"data"`
	}
	if err := json.Unmarshal(seen[0].Params[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.Height != 5 || len(got.Data) != 1 {
		t.Fatalf("unexpected payload %s", seen[0].Params[0])
	}
	if got.Data[0].Kind != "value" || got.Data[0].Prefix != "aaa" || string(got.Data[0].Value) != "123" {
		t.Errorf("unexpected event %+v", got.Data[0])
	}
	if got.Data[0].Key != nil {
		t.Error("value events must not carry a key")
	}
}

func TestRPCPusherRejectsNonOK(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []rpcRequest
	)
	srv := newRPCServer(t, "BUSY", &seen, &mu)

	p := NewRPCPusher("push", time.Second, zap.NewNop())
	defer p.Close()

	err := p.Push(context.Background(), srv.URL, Message{Height: 1})
	if !errors.Is(err, ErrNotOK) {
		t.Errorf("expected ErrNotOK, got %v", err)
	}
}

func TestRPCPusherHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewRPCPusher("push", time.Second, zap.NewNop())
	defer p.Close()

	if err := p.Push(context.Background(), srv.URL, Message{Height: 1}); err == nil {
		t.Error("expected error for HTTP 503")
	}
}

func TestRPCPusherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewRPCPusher("push", 50*time.Millisecond, zap.NewNop())
	defer p.Close()

	start := time.Now()
	if err := p.Push(context.Background(), srv.URL, Message{Height: 1}); err == nil {
		t.Error("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("push did not honor its timeout")
	}
}

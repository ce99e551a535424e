package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type fakeNode struct {
	srv     *httptest.Server
	methods chan string
}

// newFakeNode accepts one subscription and then writes notifications.
func newFakeNode(t *testing.T, reply string, notifications []string) *fakeNode {
	t.Helper()
	node := &fakeNode{methods: make(chan string, 8)}
	upgrader := websocket.Upgrader{}

	node.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req struct {
				ID     int    `json:"id"`
				Method string `json:"method"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			node.methods <- req.Method

			if req.ID == 1 {
				conn.WriteMessage(websocket.TextMessage, []byte(reply))
				for _, n := range notifications {
					conn.WriteMessage(websocket.TextMessage, []byte(n))
				}
			}
		}
	}))
	t.Cleanup(node.srv.Close)
	return node
}

func (n *fakeNode) url() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

func TestWebsocketSubscriptionStream(t *testing.T) {
	node := newFakeNode(t,
		`{"jsonrpc":"2.0","id":1,"result":"sub-1"}`,
		[]string{
			`{"jsonrpc":"2.0","method":"state_storage","params":{"subscription":"sub-1","result":{"height":0,"changes":[["0x01","0xff"]]}}}`,
			`{"jsonrpc":"2.0","method":"state_storage","params":{"subscription":"sub-1","result":{"height":1,"changes":[["0x02",null],["0x03","0x"]]}}}`,
			`{"jsonrpc":"2.0","method":"state_storage","params":{"subscription":"sub-1","result":{"height":"0x2","changes":[["0x04","0x0102"]]}}}`,
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src, err := DialWebsocket(ctx, WebsocketConfig{
		URL:               node.url(),
		SubscribeMethod:   "state_subscribeStorage",
		UnsubscribeMethod: "state_unsubscribeStorage",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	want := []Change{
		{Height: 0, Key: []byte{0x01}, Value: []byte{0xff}, Genesis: true},
		{Height: 1, Key: []byte{0x02}, Value: nil},
		{Height: 1, Key: []byte{0x03}, Value: []byte{}},
		{Height: 2, Key: []byte{0x04}, Value: []byte{0x01, 0x02}},
	}
	for i, w := range want {
		got, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("change %d: %v", i, err)
		}
		if got.Height != w.Height || !bytes.Equal(got.Key, w.Key) || !bytes.Equal(got.Value, w.Value) || got.Genesis != w.Genesis {
			t.Errorf("change %d = %+v, want %+v", i, got, w)
		}
		if w.Value == nil && got.Value != nil {
			t.Errorf("change %d: null value must decode to nil", i)
		}
	}

	if err := src.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}

	if m := <-node.methods; m != "state_subscribeStorage" {
		t.Errorf("expected subscribe call, got %s", m)
	}
	select {
	case m := <-node.methods:
		if m != "state_unsubscribeStorage" {
			t.Errorf("expected unsubscribe call, got %s", m)
		}
	case <-time.After(2 * time.Second):
		t.Error("node never received unsubscribe")
	}
}

func TestWebsocketSubscriptionRejected(t *testing.T) {
	node := newFakeNode(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := DialWebsocket(ctx, WebsocketConfig{URL: node.url(), SubscribeMethod: "nope"}, zap.NewNop())
	if !errors.Is(err, ErrSubscriptionFailed) {
		t.Errorf("expected ErrSubscriptionFailed, got %v", err)
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := DialWebsocket(ctx, WebsocketConfig{URL: "ws://127.0.0.1:1"}, zap.NewNop()); err == nil {
		t.Error("expected dial error")
	}
}

func TestHeightUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{`5`, 5},
		{`"5"`, 5},
		{`"0x1a"`, 26},
		{`0`, 0},
	}
	for _, tt := range tests {
		var h Height
		if err := json.Unmarshal([]byte(tt.in), &h); err != nil {
			t.Errorf("unmarshal %s: %v", tt.in, err)
			continue
		}
		if uint64(h) != tt.want {
			t.Errorf("unmarshal %s = %d, want %d", tt.in, h, tt.want)
		}
	}

	var h Height
	if err := json.Unmarshal([]byte(`"0xzz"`), &h); err == nil {
		t.Error("expected error for invalid hex height")
	}
	if err := json.Unmarshal([]byte(`-1`), &h); err == nil {
		t.Error("expected error for negative height")
	}
}

func TestGenesisTracker(t *testing.T) {
	var g genesisTracker
	steps := []struct {
		height uint64
		want   bool
	}{
		{0, true},
		{0, true},
		{1, false},
		{0, false},
		{2, false},
	}
	for i, s := range steps {
		if got := g.flag(s.height); got != s.want {
			t.Errorf("step %d height %d: genesis = %v, want %v", i, s.height, got, s.want)
		}
	}
}

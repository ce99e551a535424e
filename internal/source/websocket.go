package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the node.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the node.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum notification size accepted from the node.
	maxMessageSize = 16 * 1024 * 1024

	// Changes buffered between the read pump and Next.
	changeBufferSize = 1024

	subscribeRequestID = 1
)

// WebsocketConfig selects the node endpoint and subscription methods.
type WebsocketConfig struct {
	URL               string
	SubscribeMethod   string
	UnsubscribeMethod string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params *struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

// storageNotification is the result carried by each subscription message.
type storageNotification struct {
	Height  Height           `json:"height"`
	Changes [][2]nullableHex `json:"changes"`
}

// Websocket follows storage changes over a JSON-RPC pub/sub subscription.
type Websocket struct {
	cfg     WebsocketConfig
	conn    *websocket.Conn
	writeMu sync.Mutex
	subID   json.RawMessage

	changes chan Change
	// err is set before changes is closed
	err error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	genesis genesisTracker
	logger  *zap.Logger
}

// Compile-time interface verification
var _ Source = (*Websocket)(nil)

// DialWebsocket connects to the node and opens the storage subscription.
func DialWebsocket(ctx context.Context, cfg WebsocketConfig, logger *zap.Logger) (*Websocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	w := &Websocket{
		cfg:     cfg,
		conn:    conn,
		changes: make(chan Change, changeBufferSize),
		done:    make(chan struct{}),
		logger:  logger,
	}

	if err := w.subscribe(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("storage subscription opened",
		zap.String("url", cfg.URL),
		zap.String("method", cfg.SubscribeMethod),
		zap.ByteString("subscription", w.subID),
	)

	w.wg.Add(2)
	go w.readPump()
	go w.pingPump()
	return w, nil
}

func (w *Websocket) subscribe(ctx context.Context) error {
	req := rpcRequest{JSONRPC: "2.0", ID: subscribeRequestID, Method: w.cfg.SubscribeMethod, Params: []any{}}
	if err := w.writeJSON(req); err != nil {
		return fmt.Errorf("sending subscribe request: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.conn.SetReadDeadline(deadline)
	defer w.conn.SetReadDeadline(time.Time{})

	for {
		var msg rpcMessage
		if err := w.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading subscribe reply: %w", err)
		}
		if msg.ID == nil || *msg.ID != subscribeRequestID {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("%w: %d %s", ErrSubscriptionFailed, msg.Error.Code, msg.Error.Message)
		}
		if len(msg.Result) == 0 {
			return fmt.Errorf("%w: empty subscription id", ErrSubscriptionFailed)
		}
		w.subID = msg.Result
		return nil
	}
}

// Next returns the next change in arrival order.
func (w *Websocket) Next(ctx context.Context) (Change, error) {
	select {
	case c, ok := <-w.changes:
		if !ok {
			return Change{}, w.err
		}
		return c, nil
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

// Close unsubscribes and closes the connection.
func (w *Websocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)

		if w.cfg.UnsubscribeMethod != "" {
			req := rpcRequest{JSONRPC: "2.0", ID: subscribeRequestID + 1, Method: w.cfg.UnsubscribeMethod, Params: []any{w.subID}}
			err = multierr.Append(err, w.writeJSON(req))
		}
		err = multierr.Append(err, w.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
		err = multierr.Append(err, w.conn.Close())
		w.wg.Wait()
	})
	return err
}

func (w *Websocket) readPump() {
	defer w.wg.Done()

	fail := func(err error) {
		select {
		case <-w.done:
			err = ErrClosed
		default:
		}
		w.err = err
		close(w.changes)
	}

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn("websocket read error", zap.Error(err))
			}
			fail(fmt.Errorf("reading from %s: %w", w.cfg.URL, err))
			return
		}
		w.conn.SetReadDeadline(time.Now().Add(pongWait))

		changes, err := w.parse(data)
		if err != nil {
			w.logger.Warn("skipping malformed notification", zap.Error(err))
			continue
		}
		for _, c := range changes {
			select {
			case w.changes <- c:
			case <-w.done:
				fail(ErrClosed)
				return
			}
		}
	}
}

func (w *Websocket) parse(data []byte) ([]Change, error) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if msg.Params == nil || len(msg.Params.Result) == 0 {
		// replies to our own requests
		return nil, nil
	}

	var note storageNotification
	if err := json.Unmarshal(msg.Params.Result, &note); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}

	height := uint64(note.Height)
	genesis := w.genesis.flag(height)
	out := make([]Change, 0, len(note.Changes))
	for _, kv := range note.Changes {
		out = append(out, Change{
			Height:  height,
			Key:     kv[0],
			Value:   kv[1],
			Genesis: genesis,
		})
	}
	return out, nil
}

func (w *Websocket) pingPump() {
	defer w.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.writeControl(websocket.PingMessage, nil); err != nil {
				w.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Websocket) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

func (w *Websocket) writeControl(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

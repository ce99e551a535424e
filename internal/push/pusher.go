package push

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Pusher delivers one chunk to a subscriber. Any error counts as a failed
// attempt.
type Pusher interface {
	Push(ctx context.Context, url string, msg Message) error
}

// RPCPusher sends chunks as JSON-RPC calls over HTTP, keeping one client per
// subscriber URL.
type RPCPusher struct {
	method     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// Compile-time interface verification
var _ Pusher = (*RPCPusher)(nil)

func NewRPCPusher(method string, timeout time.Duration, logger *zap.Logger) *RPCPusher {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &RPCPusher{
		method:  method,
		timeout: timeout,
		httpClient: &http.Client{
			Transport: transport,
		},
		logger:  logger,
		clients: make(map[string]*rpc.Client),
	}
}

// Push calls the push method on url and requires the bare string result "OK".
func (p *RPCPusher) Push(ctx context.Context, url string, msg Message) error {
	client, err := p.client(url)
	if err != nil {
		return err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var result string
	if err := client.CallContext(ctx, &result, p.method, msg); err != nil {
		return fmt.Errorf("calling %s: %w", p.method, err)
	}
	if result != "OK" {
		return fmt.Errorf("%w: result %q", ErrNotOK, result)
	}
	return nil
}

// Close releases every cached client.
func (p *RPCPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.clients {
		c.Close()
		delete(p.clients, url)
	}
	return nil
}

func (p *RPCPusher) client(url string) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[url]; ok {
		return c, nil
	}
	c, err := rpc.DialHTTPWithClient(url, p.httpClient)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	p.clients[url] = c
	p.logger.Debug("push client created", zap.String("url", url))
	return c, nil
}

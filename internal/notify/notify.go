package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notifier is the interface for sending relay alerts.
type Notifier interface {
	SubscriberDeactivated(ctx context.Context, url, reason string, cause error) error
	IngestionFailed(ctx context.Context, source string, lastHeight uint64, hasHeight bool, err error) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// SubscriberDeactivated sends an alert for a subscriber the relay stopped
// delivering to.
func (c *Client) SubscriberDeactivated(ctx context.Context, url, reason string, cause error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Subscriber Deactivated: %s", reason)
	message := FormatDeactivationMessage(url, reason, cause)
	tags := c.config.Tags + ",warning"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

// IngestionFailed sends an alert when the change source fails.
func (c *Client) IngestionFailed(ctx context.Context, source string, lastHeight uint64, hasHeight bool, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := "Ingestion Failed"
	message := FormatIngestionFailureMessage(source, lastHeight, hasHeight, err)
	tags := c.config.Tags + ",x"
	priority := "high" // Override to high priority for failures

	return c.send(ctx, title, message, tags, priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", strings.Trim(tags, ","))

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

func (n *NoopNotifier) SubscriberDeactivated(_ context.Context, _, _ string, _ error) error {
	return nil
}

func (n *NoopNotifier) IngestionFailed(_ context.Context, _ string, _ uint64, _ bool, _ error) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}

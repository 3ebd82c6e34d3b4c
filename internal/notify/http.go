package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPNotifier POSTs events as JSON to the listener, which must be an
// http or https URL. Retries follow go-retryablehttp's policy: connection
// errors and 5xx/429 responses are retried up to RetryMax times.
type HTTPNotifier struct {
	client *retryablehttp.Client
}

// HTTPConfig configures an HTTPNotifier.
type HTTPConfig struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// NewHTTPNotifier creates a notifier that logs retries through logger.
func NewHTTPNotifier(cfg HTTPConfig, logger *slog.Logger) *HTTPNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	// *slog.Logger satisfies retryablehttp.LeveledLogger.
	client.Logger = logger
	return &HTTPNotifier{client: client}
}

// Deliver implements Notifier.
func (n *HTTPNotifier) Deliver(ctx context.Context, listener string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, listener, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("listener responded %s", resp.Status)
	}
	return nil
}

package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/version"
)

// Client is the runner-side client for the control plane's fleet API.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client

	// retryInterval seeds the register backoff; shortened in tests.
	retryInterval time.Duration
}

// NewClient creates a client for the control plane at baseURL. authToken may
// be empty when the control plane runs without authentication.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:       baseURL,
		authToken:     authToken,
		client:        &http.Client{Timeout: 15 * time.Second},
		retryInterval: time.Second,
	}
}

// Register announces this runner to the control plane, retrying with
// exponential backoff until it succeeds or the context is cancelled.
// Registration is idempotent by hostname, so retries are safe.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (models.StoredRunner, error) {
	var runner models.StoredRunner

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until ctx cancellation

	operation := func() error {
		var err error
		runner, err = c.register(ctx, req)
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return models.StoredRunner{}, err
	}
	return runner, nil
}

func (c *Client) register(ctx context.Context, req RegisterRequest) (models.StoredRunner, error) {
	var runner models.StoredRunner
	if err := c.post(ctx, "/runners/register", req, &runner); err != nil {
		return models.StoredRunner{}, err
	}
	return runner, nil
}

// Heartbeat reports the runner's load and runtime versions.
func (c *Client) Heartbeat(ctx context.Context, runnerID string, hb models.Heartbeat) error {
	path := "/runners/" + url.PathEscape(runnerID) + "/heartbeat"
	return c.post(ctx, path, hb, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("control plane %s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(excerpt))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

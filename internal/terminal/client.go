package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/inaiurai/settlement/internal/metrics"
)

const defaultRequestTimeout = 10 * time.Second

// Client talks to the settlement rail over HTTP JSON.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Limiter    *rate.Limiter
	Metrics    *metrics.Metrics
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// NewClient returns a Client with a bounded per-request timeout and a
// client-side token bucket. RPS <= 0 disables throttling.
func NewClient(cfg ClientConfig, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	c := &Client{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:     cfg.APIKey,
		HTTPClient: &http.Client{},
		Timeout:    timeout,
		Metrics:    m,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

var _ Terminal = (*Client)(nil)

func (c *Client) Submit(ctx context.Context, op Operation) (*SubmitReceipt, error) {
	var out SubmitReceipt
	if err := c.do(ctx, "submit", http.MethodPost, "/calls", op, &out); err != nil {
		return nil, err
	}
	if out.CallRef == "" {
		out.CallRef = op.Reference
	}
	return &out, nil
}

func (c *Client) QueryStatus(ctx context.Context, callRef string) (*Status, error) {
	var out Status
	if err := c.do(ctx, "query_status", http.MethodGet, "/calls/"+url.PathEscape(callRef), nil, &out); err != nil {
		return nil, err
	}
	out.Status = strings.ToUpper(strings.TrimSpace(out.Status))
	return &out, nil
}

func (c *Client) VerifyTx(ctx context.Context, txHash string) (*Verification, error) {
	var out Verification
	if err := c.do(ctx, "verify_tx", http.MethodGet, "/tx/"+url.PathEscape(txHash)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Release(ctx context.Context, callRef string) (bool, error) {
	return c.directive(ctx, "release", callRef)
}

func (c *Client) Cancel(ctx context.Context, callRef string) (bool, error) {
	return c.directive(ctx, "cancel", callRef)
}

// directive posts a follow-up operation on an existing call.
func (c *Client) directive(ctx context.Context, name, callRef string) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.do(ctx, name, http.MethodPost, "/calls/"+url.PathEscape(callRef)+"/"+name, struct{}{}, &out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		c.Metrics.TerminalRequest(op, outcome(err), time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: throttled: %w", op, ErrUnavailable)
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		// A 2xx with an unreadable body is an unknown outcome.
		return fmt.Errorf("%s: decode response: %v: %w", op, err, ErrUnavailable)
	}
	return nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		return ErrTimeout
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("status %d: %w", resp.StatusCode, ErrUnavailable)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(msg)), ErrRejected)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRejected):
		return "rejected"
	}
	return "error"
}

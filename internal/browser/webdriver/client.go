// internal/browser/webdriver/client.go
package webdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// elementKey is the W3C web element identifier.
const elementKey = "element-6066-11e4-a52e-4f735466cecf"

// Error is a WebDriver error response.
type Error struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("webdriver %s (%d): %s", e.Code, e.Status, e.Message)
}

// Is maps protocol error codes onto the backend-neutral sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case browser.ErrNoSuchElement:
		return e.Code == "no such element"
	case browser.ErrStaleElement:
		return e.Code == "stale element reference"
	case browser.ErrNoSuchWindow:
		return e.Code == "no such window"
	case browser.ErrTimeout:
		return e.Code == "timeout" || e.Code == "script timeout"
	}
	return false
}

// Client talks to one WebDriver endpoint.
type Client struct {
	endpoint string
	http     *retryablehttp.Client
	logger   *zap.Logger
}

// NewClient creates a client for endpoint (e.g. http://localhost:9515).
// Requests are retried only while the endpoint refuses connections, which
// happens while a freshly started driver is still binding its port.
func NewClient(endpoint string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.CheckRetry = retryOnRefused
	rc.Logger = leveledLogger{logger.Named("http")}
	rc.HTTPClient.Timeout = 0 // per request deadlines come from ctx

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     rc,
		logger:   logger.Named("WebDriver"),
	}
}

// retryOnRefused retries requests that never reached the server. Commands
// such as click are not idempotent, so server errors are not retried.
func retryOnRefused(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	var opErr *net.OpError
	if errors.Is(err, syscall.ECONNREFUSED) || (errors.As(err, &opErr) && opErr.Op == "dial") {
		return true, nil
	}
	return false, nil
}

// do sends one command and decodes the "value" member of the response into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = b
	} else if method == http.MethodPost {
		payload = []byte("{}")
	}

	var reader interface{}
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, browser.ErrTimeout)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	var envelope struct {
		Value jsoniter.RawMessage `json:"value"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("decode %s %s (status %d): %w", method, path, resp.StatusCode, err)
		}
	}

	if resp.StatusCode >= 400 {
		wdErr := &Error{Status: resp.StatusCode}
		if len(envelope.Value) > 0 {
			_ = json.Unmarshal(envelope.Value, wdErr)
		}
		if wdErr.Code == "" {
			wdErr.Code = "unknown error"
		}
		return wdErr
	}

	if out == nil || len(envelope.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Value, out); err != nil {
		return fmt.Errorf("decode value of %s %s: %w", method, path, err)
	}
	return nil
}

// Status reports whether the endpoint is ready for new sessions.
func (c *Client) Status(ctx context.Context) (bool, error) {
	var st struct {
		Ready   bool   `json:"ready"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return false, err
	}
	return st.Ready, nil
}

// leveledLogger adapts zap to retryablehttp's LeveledLogger.
type leveledLogger struct{ l *zap.Logger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.l.Sugar().Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.l.Sugar().Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.l.Sugar().Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.l.Sugar().Warnw(msg, kv...) }

// Package spawner issues the out-of-band RPC that asks the execution-worker
// control plane to start a sandbox for a session.
package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/workspace/session-coordinator/internal/telemetry"
)

// ErrNotConfigured is returned when no control plane URL is set.
var ErrNotConfigured = errors.New("sandbox control plane not configured")

// Request describes the sandbox to spawn.
type Request struct {
	SessionID string `json:"sessionId"`
	RepoOwner string `json:"repoOwner,omitempty"`
	RepoName  string `json:"repoName,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Spawner starts sandboxes.
type Spawner interface {
	Spawn(ctx context.Context, req Request) error
}

// Func adapts a function to Spawner.
type Func func(ctx context.Context, req Request) error

func (f Func) Spawn(ctx context.Context, req Request) error { return f(ctx, req) }

// Client calls the control plane over HTTP.
type Client struct {
	// Retry applies to network failures and 5xx responses.
	Retry RetryPolicy

	baseURL string
	token   string
	client  *http.Client
	tracer  trace.Tracer
}

// New creates a Client. A nil tracer disables spans.
func New(controlPlaneURL, token string, timeout time.Duration, tracer trace.Tracer) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(telemetry.ScopeName)
	}
	return &Client{
		Retry:   DefaultRetryPolicy(),
		baseURL: strings.TrimRight(controlPlaneURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		tracer:  tracer,
	}
}

// Spawn POSTs {baseURL}/api/sessions/{id}/sandbox. Any non-2xx response is an error.
func (c *Client) Spawn(ctx context.Context, req Request) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	ctx, span := telemetry.StartClientSpan(ctx, c.tracer, "sandbox.spawn",
		telemetry.AttrSessionID.String(req.SessionID))
	defer span.End()

	err := withRetry(ctx, c.Retry, req.SessionID, func(ctx context.Context) error {
		return c.do(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return permanent(fmt.Errorf("marshal spawn request: %w", err))
	}

	url := fmt.Sprintf("%s/api/sessions/%s/sandbox", c.baseURL, req.SessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("create spawn request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("spawn sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("spawn sandbox: control plane returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return permanent(err)
		}
		return err
	}
	return nil
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jpalmerr/taskpool"
)

const maxResponseBodySize = 1 << 20 // 1MB

// connection pooling limits to prevent resource exhaustion when many tasks call the same host
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second // conservative: matches common ALB defaults
)

// Response holds the result of a webhook call made by [WebhookClient].
type Response struct {
	// Body contains the HTTP response body, limited to 1MB.
	Body []byte

	// StatusCode is the HTTP status code.
	// Zero if the request failed before receiving a response.
	StatusCode int

	// Latency is the total time taken for the request.
	Latency time.Duration

	// Error contains any error that occurred during the request.
	// nil indicates the request completed (though status may indicate an error).
	Error error
}

// payload is the JSON body posted to a webhook.
type payload struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Params   json.RawMessage `json:"params,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Attempts int             `json:"attempts"`
}

// WebhookClient runs tasks by calling HTTP endpoints.
//
// Timeouts come from the run context, which carries the task definition's
// timeout, rather than from a global client timeout. Response bodies are
// limited to 1MB.
type WebhookClient struct {
	httpClient *http.Client
}

// NewWebhookClient creates a [WebhookClient] with a pooled transport.
//
// Connection pooling configuration:
//   - MaxIdleConns: 100 total idle connections
//   - MaxIdleConnsPerHost: 10 idle connections per host
//   - MaxConnsPerHost: 10 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
func NewWebhookClient() *WebhookClient {
	return &WebhookClient{
		httpClient: &http.Client{
			// no default timeout - the run context bounds each call
			Transport: &http.Transport{
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
				DisableKeepAlives:   false, // explicitly enable connection reuse
			},
		},
	}
}

// Call performs an HTTP request and returns a structured [Response].
//
// If method is empty, POST is used. Call always returns a Response; errors
// are captured in the Error field rather than returned separately.
func (c *WebhookClient) Call(ctx context.Context, method, url string, headers map[string]string, body []byte) Response {
	start := time.Now()

	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("request failed: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	// read body with size limit
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return Response{
			StatusCode: resp.StatusCode,
			Latency:    time.Since(start),
			Error:      fmt.Errorf("failed to read response body: %w", err),
		}
	}

	return Response{
		Body:       respBody,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}
}

// Handler returns a run function that posts each task to url.
//
// The request body is a JSON object with the task's id, type, params, state
// and attempts; the task ID and attempt number are also sent as the
// X-Taskpool-Task-Id and X-Taskpool-Attempt headers. A 2xx response
// succeeds. If its body is a JSON object it becomes the task's new state.
// Any other status fails the run, which schedules a retry.
func (c *WebhookClient) Handler(method, url string, headers map[string]string) taskpool.RunFunc {
	hdrs := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		hdrs[k] = v
	}

	return func(ctx context.Context, task taskpool.Task) (taskpool.Outcome, error) {
		body, err := json.Marshal(payload{
			ID:       task.ID,
			Type:     task.Type,
			Params:   task.Params,
			State:    task.State,
			Attempts: task.Attempts,
		})
		if err != nil {
			return taskpool.Outcome{}, fmt.Errorf("encode webhook payload: %w", err)
		}

		reqHeaders := make(map[string]string, len(hdrs)+2)
		for k, v := range hdrs {
			reqHeaders[k] = v
		}
		reqHeaders["X-Taskpool-Task-Id"] = task.ID
		reqHeaders["X-Taskpool-Attempt"] = strconv.Itoa(task.Attempts)

		resp := c.Call(ctx, method, url, reqHeaders, body)
		if resp.Error != nil {
			return taskpool.Outcome{}, resp.Error
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return taskpool.Outcome{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return taskpool.Outcome{State: stateFromBody(resp.Body)}, nil
	}
}

// Close closes all idle connections in the client's connection pool.
//
// Safe to call multiple times. After Close, the client remains usable but
// new connections will be established as needed.
func (c *WebhookClient) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// stateFromBody returns body if it holds a JSON object, nil otherwise.
func stateFromBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil
	}
	return json.RawMessage(trimmed)
}

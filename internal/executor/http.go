package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"aegis/internal/logging"
	"aegis/internal/playbook"
)

// HTTPExecutor performs network-call actions. The action target is the URL;
// recognized params: "method" (default GET), "body" (request payload),
// "content_type" (default application/json when a body is present).
type HTTPExecutor struct {
	client *http.Client
	logger logging.Logger
}

// NewHTTPExecutor creates an HTTP executor with a shared client. Per-action
// deadlines come from the registry's context, not the client.
func NewHTTPExecutor(logger logging.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{},
		logger: logging.OrNop(logger),
	}
}

// NewHTTPExecutorWithClient creates an HTTP executor with a caller-supplied
// client (used by tests).
func NewHTTPExecutorWithClient(client *http.Client, logger logging.Logger) *HTTPExecutor {
	return &HTTPExecutor{client: client, logger: logging.OrNop(logger)}
}

// Execute implements Executor. Any 2xx/3xx status is success; 4xx/5xx is a
// failure carrying the response body as detail.
func (e *HTTPExecutor) Execute(ctx context.Context, action playbook.Action) (string, error) {
	method := strings.ToUpper(action.Params["method"])
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload := action.Params["body"]; payload != "" {
		body = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, action.Target, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		contentType := action.Params["content_type"]
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	e.logger.Debug("http: %s %s", method, action.Target)
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Bound the read: detail is truncated anyway and a remediation endpoint
	// should not stream unbounded data back.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	detail := fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(payload)))

	if resp.StatusCode >= http.StatusBadRequest {
		return detail, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return detail, nil
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvnorth/checkflow-go/engine"
)

// DefaultHTTPTimeout bounds requests when the check does not set one.
const DefaultHTTPTimeout = 30 * time.Second

// HTTP calls an endpoint and publishes the response as the step's
// output: {status_code, headers, body} with JSON bodies decoded under
// "json". Webhook payload context, when present, is posted along with the
// configured body.
//
// Params:
//   - url: target URL (required)
//   - method: GET or POST, default GET
//   - headers: map of request headers
//   - body: request body (string, or any JSON-encodable value)
//   - timeout: seconds
type HTTP struct {
	client *http.Client

	webhook map[string]any
}

// NewHTTP creates an HTTP provider. client may be nil.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{client: client}
}

// SetWebhookContext implements engine.WebhookAware.
func (h *HTTP) SetWebhookContext(webhook map[string]any) {
	h.webhook = webhook
}

// Execute implements engine.Provider.
func (h *HTTP) Execute(ctx context.Context, req *engine.StepRequest, deps *engine.DepView, ec *engine.ExecContext) (*engine.StepResult, error) {
	urlStr, _ := req.Params["url"].(string)
	if urlStr == "" {
		return nil, fmt.Errorf("http check %s: url parameter is required", req.CheckID)
	}
	method := "GET"
	if m, ok := req.Params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("http check %s: unsupported method %s", req.CheckID, method)
	}

	timeout := DefaultHTTPTimeout
	if t, ok := req.Params["timeout"].(int); ok && t > 0 {
		timeout = time.Duration(t) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := h.requestBody(req.Params["body"])
	if err != nil {
		return nil, fmt.Errorf("http check %s: %w", req.CheckID, err)
	}

	httpReq, err := http.NewRequestWithContext(cctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("http check %s: %w", req.CheckID, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return &engine.StepResult{Issues: []engine.Issue{
			engine.NewIssue(req.CheckID, req.CheckID+"/error", err.Error(), engine.SeverityError),
		}}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &engine.StepResult{Issues: []engine.Issue{
			engine.NewIssue(req.CheckID, req.CheckID+"/error", err.Error(), engine.SeverityError),
		}}, nil
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	output := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(raw),
	}
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		output["json"] = decoded
	}

	res := &engine.StepResult{Output: output, RawOutput: output}
	if resp.StatusCode >= 400 {
		res.Issues = append(res.Issues, engine.NewIssue(req.CheckID,
			req.CheckID+"/http_status", fmt.Sprintf("%s %s returned %d", method, urlStr, resp.StatusCode),
			engine.SeverityError))
	}
	return res, nil
}

// requestBody encodes the configured body, merging in the webhook payload
// for map bodies.
func (h *HTTP) requestBody(body any) (io.Reader, string, error) {
	switch t := body.(type) {
	case nil:
		if h.webhook == nil {
			return nil, "", nil
		}
		encoded, err := json.Marshal(h.webhook)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(encoded), "application/json", nil
	case string:
		return strings.NewReader(t), "", nil
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(encoded), "application/json", nil
	}
}

package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dvnorth/checkflow-go/engine"
)

func httpReq(url string, params map[string]any) *engine.StepRequest {
	if params == nil {
		params = map[string]any{}
	}
	params["url"] = url
	return &engine.StepRequest{CheckID: "webhook", Type: "http", Params: params}
}

func TestHTTPGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer srv.Close()

	h := NewHTTP(srv.Client())
	res, err := h.Execute(context.Background(), httpReq(srv.URL, nil), engine.NewDepView(nil, nil), &engine.ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, _ := res.Output.(map[string]any)
	if out["status_code"] != 200 {
		t.Errorf("status_code = %v", out["status_code"])
	}
	decoded, _ := out["json"].(map[string]any)
	if decoded["status"] != "ok" {
		t.Errorf("json = %v", out["json"])
	}
	if len(res.Issues) != 0 {
		t.Errorf("issues = %v", res.Issues)
	}
}

func TestHTTPPostBody(t *testing.T) {
	var gotBody []byte
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := NewHTTP(srv.Client())
	params := map[string]any{
		"method":  "POST",
		"body":    map[string]any{"event": "done"},
		"headers": map[string]any{"X-Run": "abc"},
	}
	res, err := h.Execute(context.Background(), httpReq(srv.URL, params), engine.NewDepView(nil, nil), &engine.ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(gotBody, &decoded); err != nil || decoded["event"] != "done" {
		t.Errorf("body = %q", gotBody)
	}
	if gotType != "application/json" {
		t.Errorf("content type = %q", gotType)
	}
	out, _ := res.Output.(map[string]any)
	if out["status_code"] != 201 {
		t.Errorf("status_code = %v", out["status_code"])
	}
}

func TestHTTPWebhookBody(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	h := NewHTTP(srv.Client())
	h.SetWebhookContext(map[string]any{"action": "opened"})
	params := map[string]any{"method": "POST"}
	if _, err := h.Execute(context.Background(), httpReq(srv.URL, params), engine.NewDepView(nil, nil), &engine.ExecContext{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(gotBody, &decoded); err != nil || decoded["action"] != "opened" {
		t.Errorf("webhook payload not forwarded, body = %q", gotBody)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	h := NewHTTP(srv.Client())
	res, err := h.Execute(context.Background(), httpReq(srv.URL, nil), engine.NewDepView(nil, nil), &engine.ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Issues) != 1 || res.Issues[0].RuleID != "webhook/http_status" {
		t.Fatalf("issues = %v, want webhook/http_status", res.Issues)
	}
	out, _ := res.Output.(map[string]any)
	if out["status_code"] != 403 {
		t.Errorf("status_code = %v", out["status_code"])
	}
}

// Network failures surface as issues, not hard errors: the routing
// engine decides what to do with them.
func TestHTTPNetworkError(t *testing.T) {
	h := NewHTTP(nil)
	req := httpReq("http://127.0.0.1:1/unreachable", map[string]any{"timeout": 1})
	res, err := h.Execute(context.Background(), req, engine.NewDepView(nil, nil), &engine.ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Issues) != 1 || res.Issues[0].RuleID != "webhook/error" {
		t.Errorf("issues = %v, want webhook/error", res.Issues)
	}
}

func TestHTTPValidation(t *testing.T) {
	h := NewHTTP(nil)
	if _, err := h.Execute(context.Background(), &engine.StepRequest{CheckID: "w", Params: map[string]any{}}, engine.NewDepView(nil, nil), &engine.ExecContext{}); err == nil {
		t.Error("missing url must error")
	}
	req := httpReq("http://example.invalid", map[string]any{"method": "DELETE"})
	if _, err := h.Execute(context.Background(), req, engine.NewDepView(nil, nil), &engine.ExecContext{}); err == nil {
		t.Error("unsupported method must error")
	}
}

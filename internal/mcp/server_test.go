package mcp

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/kuitang/selfchanger-e2e/internal/fixture/fixturetest"
	"github.com/kuitang/selfchanger-e2e/internal/ratelimit"
)

func TestServeHTTP_RecoversPanicWith500(t *testing.T) {
	t.Parallel()
	server := &Server{
		httpHandler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("simulated panic")
		}),
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError || !strings.Contains(resp.Body.String(), "Internal server error") {
		t.Fatalf("panic response mismatch: status=%d body=%q", resp.Code, resp.Body.String())
	}
}

func TestServeHTTP_NoWriteFromDelegateReturns500(t *testing.T) {
	t.Parallel()
	server := &Server{
		httpHandler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}),
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError || !strings.Contains(resp.Body.String(), "MCP handler returned without writing response") {
		t.Fatalf("fallback response mismatch: status=%d body=%q", resp.Code, resp.Body.String())
	}
}

func TestServeHTTP_RequestBodyTooLargeReturns413(t *testing.T) {
	t.Parallel()
	server := &Server{
		httpHandler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("delegate should not be called when request is oversized")
		}),
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(strings.Repeat("a", maxMCPBodyBytes+1)))
	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestServeHTTP_GETReturns405WithAllowHeader(t *testing.T) {
	t.Parallel()
	server := &Server{
		httpHandler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("delegate should not be called for GET")
		}),
	}

	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/mcp", nil))

	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
	if allow := resp.Header().Get("Allow"); !strings.Contains(allow, "POST") || !strings.Contains(allow, "DELETE") {
		t.Fatalf("unexpected Allow header: %q", allow)
	}
}

func TestServeHTTP_OptionsPreflight(t *testing.T) {
	t.Parallel()
	server := &Server{httpHandler: http.NotFoundHandler()}
	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, httptest.NewRequest(http.MethodOptions, "/mcp", nil))
	if resp.Code != http.StatusNoContent || resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight mismatch: status=%d headers=%v", resp.Code, resp.Header())
	}
}

func TestServer_InitializeOverHTTP(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, fixturetest.Options{})
	srv := NewServer(h.runs, "test")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("initialize request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status mismatch: got=%d body=%s", resp.StatusCode, raw)
	}
	var decoded struct {
		Result struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode initialize: %v body=%s", err, raw)
	}
	if decoded.Result.ServerInfo.Name != "selfchanger-e2e" {
		t.Fatalf("server name mismatch: got=%q", decoded.Result.ServerInfo.Name)
	}

	health, err := http.Get(ts.URL + "/healthz")
	if err != nil || health.StatusCode != http.StatusOK {
		t.Fatalf("healthz failed: %v", err)
	}
	health.Body.Close()
}

func TestRoutes_RateLimitsPerClient(t *testing.T) {
	t.Parallel()
	limiter := ratelimit.New(ratelimit.Config{RPS: 0.0001, Burst: 1})
	defer limiter.Stop()
	srv := (&Server{httpHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})}).WithRateLimit(limiter)
	routes := srv.Routes()

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}"))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		return rec.Code
	}
	if got := send("192.0.2.1:1000"); got != http.StatusAccepted {
		t.Fatalf("first request status mismatch: got=%d want=%d", got, http.StatusAccepted)
	}
	if got := send("192.0.2.1:1001"); got != http.StatusTooManyRequests {
		t.Fatalf("second request status mismatch: got=%d want=%d", got, http.StatusTooManyRequests)
	}
	if got := send("192.0.2.2:1000"); got != http.StatusAccepted {
		t.Fatalf("other client status mismatch: got=%d want=%d", got, http.StatusAccepted)
	}
}

func testFormatMCPHeadersForLog_RedactsSensitiveHeaders(t *rapid.T) {
	token := "tok" + rapid.StringMatching(`[A-Za-z0-9._=-]{10,40}`).Draw(t, "token")

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Cookie", "session="+token)
	headers.Set("Mcp-Session-Id", token)
	headers.Set("Content-Type", "application/json")

	formatted := formatMCPHeadersForLog(headers)
	if strings.Contains(formatted, token) {
		t.Fatalf("sensitive token leaked in header log: %q", formatted)
	}
	for _, key := range []string{"authorization", "cookie", "mcp-session-id", "content-type"} {
		if !strings.Contains(formatted, key) {
			t.Fatalf("expected key %q in formatted headers: %q", key, formatted)
		}
	}
	if !strings.Contains(formatted, `content-type="application/json"`) {
		t.Fatalf("content type should pass through: %q", formatted)
	}
}

func TestFormatMCPHeadersForLog_RedactsSensitiveHeaders(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testFormatMCPHeadersForLog_RedactsSensitiveHeaders)
}

func testIsASCII_RejectsControlsAndWhitespaceOnly(t *rapid.T) {
	printable := rapid.StringMatching(`[A-Za-z0-9._:-]{1,64}`).Draw(t, "printable")
	if !isASCII(printable) {
		t.Fatalf("expected printable ASCII to pass, got %q", printable)
	}
	bad := rapid.SampledFrom([]string{"", "   ", "abc\tdef", "abc\n", "ümlaut"}).Draw(t, "bad")
	if isASCII(bad) {
		t.Fatalf("expected non-ASCII/control value to fail, got %q", bad)
	}
}

func TestIsASCII_RejectsControlsAndWhitespaceOnly(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testIsASCII_RejectsControlsAndWhitespaceOnly)
}

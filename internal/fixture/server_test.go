package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"pgregory.net/rapid"
)

func TestPage_HonoursClassContract(t *testing.T) {
	t.Parallel()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(PageHTML()))
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	if title := doc.Find("title").Text(); title != "Self Changer" {
		t.Fatalf("title mismatch: got=%q want=%q", title, "Self Changer")
	}
	for _, sel := range []string{".main-container", ".chat-container", ".messages-area", ".input-form", ".input-field", ".send-button", ".refresh-button"} {
		if n := doc.Find(sel).Length(); n != 1 {
			t.Fatalf("%s count mismatch: got=%d want=1", sel, n)
		}
	}
	items := doc.Find(".message-item")
	if items.Length() != 1 || items.Find(".message-text").Text() != WelcomeMessage {
		t.Fatalf("seeded message mismatch: %q", items.Text())
	}
	if doc.Find(".loading-overlay").Length() != 0 {
		t.Fatal("loading overlay must not be present on load")
	}
	if !strings.Contains(PageHTML(), RefreshMessage) {
		t.Fatal("refresh text not embedded in the page script")
	}
}

func TestServer_Routes(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ReplyDelay = 0
	ts := httptest.NewServer(NewServer(cfg).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET / mismatch: status=%d type=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope status mismatch: got=%d want=404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status mismatch: got=%d", resp.StatusCode)
	}
}

func postMessage(t *testing.T, url string, body string) (int, SendMessageResponse) {
	t.Helper()
	resp, err := http.Post(url+"/api/send_message", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST send_message: %v", err)
	}
	defer resp.Body.Close()
	var out SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func TestServer_SendMessage(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ReplyDelay = 0
	ts := httptest.NewServer(NewServer(cfg).Handler())
	defer ts.Close()

	status, out := postMessage(t, ts.URL, `{"text":"背景を青にして","messages":[{"id":0,"is_user":false,"text":"hi"}]}`)
	if status != http.StatusOK || !out.Success || out.ChatContainerStyles == nil {
		t.Fatalf("blue request mismatch: status=%d resp=%+v", status, out)
	}
	if *out.ChatContainerStyles != "background-color: #bfdbfe" {
		t.Fatalf("styles mismatch: got=%q", *out.ChatContainerStyles)
	}

	status, out = postMessage(t, ts.URL, `{"text":"   ","messages":[]}`)
	if status != http.StatusBadRequest || out.Success {
		t.Fatalf("blank text mismatch: status=%d resp=%+v", status, out)
	}

	status, out = postMessage(t, ts.URL, `{"text":`)
	if status != http.StatusBadRequest || !strings.Contains(out.Message, "invalid JSON body") {
		t.Fatalf("malformed body mismatch: status=%d resp=%+v", status, out)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ReplyDelay = 50 * time.Millisecond
	srv := NewServer(cfg)
	if srv.URL() != "" {
		t.Fatal("URL should be empty before Start")
	}
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if again, _ := srv.Start(); again != addr {
		t.Fatalf("Start is not idempotent: %q vs %q", again, addr)
	}

	start := time.Now()
	body, _ := json.Marshal(SendMessageRequest{Text: "hello"})
	resp, err := http.Post(srv.URL()+"/api/send_message", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if time.Since(start) < cfg.ReplyDelay {
		t.Fatalf("reply delay not applied: %s", time.Since(start))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func testSanitizeCSS_StripsScriptConstructs(t *rapid.T) {
	prefix := rapid.StringMatching(`[a-z: #0-9-]{0,20}`).Draw(t, "prefix")
	bad := rapid.SampledFrom(dangerousCSS).Draw(t, "bad")
	suffix := rapid.StringMatching(`[a-z: #0-9-]{0,20}`).Draw(t, "suffix")

	got := SanitizeCSS(prefix + bad + suffix + ";")
	for _, p := range dangerousCSS {
		if strings.Contains(got, p) {
			t.Fatalf("SanitizeCSS kept %q: got=%q", p, got)
		}
	}
	if strings.HasSuffix(got, ";") {
		t.Fatalf("trailing semicolon kept: %q", got)
	}
}

func TestSanitizeCSS_StripsScriptConstructs(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testSanitizeCSS_StripsScriptConstructs)
}

func TestReply(t *testing.T) {
	t.Parallel()
	if r := Reply(SendMessageRequest{Text: " こんにちは "}); r.Message != "「こんにちは」を受け取りました。" || r.ChatContainerStyles != nil {
		t.Fatalf("greeting reply mismatch: %+v", r)
	}
	if r := Reply(SendMessageRequest{Text: "ボタンを追加して"}); len(r.NewElements) != 1 || r.NewElements[0].Tag != "button" {
		t.Fatalf("button reply mismatch: %+v", r)
	}
}

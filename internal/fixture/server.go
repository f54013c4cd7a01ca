// Package fixture serves a local stand-in for the Self Changer chat page.
// It honours the page's CSS class contract and answers /api/send_message
// with deterministic replies, so scenarios can run without the real backend.
// Tests and the -fixture mode of the runner start it on a random port.
package fixture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/logutil"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
)

const maxRequestBytes = 64 << 10

// Config holds server configuration options.
type Config struct {
	Addr         string        // listen address; ":0" picks a free port
	ReplyDelay   time.Duration // simulated backend latency for send_message
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig binds a random loopback port with a short reply delay.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:0",
		ReplyDelay:   300 * time.Millisecond,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the fixture HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server

	mu      sync.Mutex
	addr    string
	running bool
}

// NewServer creates a server. It does not listen until Start.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routed, logged handler. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePage)
	mux.HandleFunc("POST /api/send_message", s.handleSendMessage)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("fixture", mux))
}

// Start listens and serves in the background, returning the bound address.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "fixture listen", err)
	}
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Pkg("fixture").Error("fixture server stopped", "error", err)
		}
	}()
	obs.Pkg("fixture").Info("fixture listening", "addr", s.addr, "reply_delay_ms", s.cfg.ReplyDelay.Milliseconds())
	return s.addr, nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// URL returns the base URL of the running server.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return "http://" + addr
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := RenderPage(w, InitialMessages()); err != nil {
		obs.From(r.Context()).Error("render chat page", "error", err)
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	log := obs.From(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, errs.Wrap(errs.InvalidArgument, "request body too large or unreadable", err))
		return
	}
	var req SendMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warn("malformed send_message", "body", logutil.TruncateForLog(string(body), 256), "error", err)
		writeError(w, errs.Wrap(errs.InvalidArgument, "invalid JSON body", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, errs.New(errs.InvalidArgument, "text is required"))
		return
	}

	if s.cfg.ReplyDelay > 0 {
		t := time.NewTimer(s.cfg.ReplyDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.Context().Done():
			return
		}
	}

	resp := Reply(req)
	log.Info("send_message", "history", len(req.Messages), "restyled", resp.ChatContainerStyles != nil)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(errs.CodeOf(err)), SendMessageResponse{
		Success: false,
		Message: fmt.Sprintf("%s: %s", errs.CodeOf(err), errs.MessageOf(err)),
	})
}

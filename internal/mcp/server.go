// Package mcp exposes the scenario runner as MCP tools over Streamable HTTP,
// so an agent can list scenarios, run them and read run history.
package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/selfchanger-e2e/internal/logutil"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
	"github.com/kuitang/selfchanger-e2e/internal/ratelimit"
)

// Server wraps the MCP server with scenario tools.
type Server struct {
	mcpServer   *mcp.Server
	handler     *Handler
	httpHandler http.Handler
	limiter     *ratelimit.Limiter
}

const (
	mcpDebugBodyLogLimitBytes = 8 * 1024
	maxMCPBodyBytes           = 1 << 20

	// Runs can take minutes; responses are written once the run finishes.
	runWriteTimeout = 15 * time.Minute
)

type mcpResponseLogger struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	body        []byte
	truncated   bool
}

func newMCPResponseLogger(w http.ResponseWriter) *mcpResponseLogger {
	return &mcpResponseLogger{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           make([]byte, 0, 512),
	}
}

func (w *mcpResponseLogger) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.statusCode = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *mcpResponseLogger) Write(p []byte) (int, error) {
	w.wroteHeader = true
	if len(w.body) < mcpDebugBodyLogLimitBytes {
		remaining := mcpDebugBodyLogLimitBytes - len(w.body)
		if len(p) <= remaining {
			w.body = append(w.body, p...)
		} else {
			w.body = append(w.body, p[:remaining]...)
			w.truncated = true
		}
	} else {
		w.truncated = true
	}
	return w.ResponseWriter.Write(p)
}

func (w *mcpResponseLogger) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func mcpDebugEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv("DEBUG"))) {
	case "1", "true", "yes", "on", "debug":
		return true
	default:
		return false
	}
}

// formatMCPHeadersForLog renders headers sorted by name with secrets masked.
func formatMCPHeadersForLog(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		value := logutil.Redact(k, strings.Join(h.Values(k), ","))
		parts = append(parts, fmt.Sprintf("%s=%q", strings.ToLower(k), value))
	}
	return strings.Join(parts, " ")
}

// isASCII reports whether s is non-blank printable ASCII.
func isASCII(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// NewServer creates an MCP server over svc.
func NewServer(svc Runs, version string) *Server {
	handler := NewHandler(svc)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "selfchanger-e2e",
			Version: version,
		},
		nil,
	)
	for _, tool := range ToolDefinitions() {
		mcp.AddTool(mcpServer, tool, handler.createToolHandler(tool.Name))
	}
	registerPrompts(mcpServer)

	httpHandler := mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server {
			return mcpServer
		},
		&mcp.StreamableHTTPOptions{
			// Plain JSON responses; no SSE stream is offered.
			JSONResponse: true,
			// Every tool call is self-contained.
			Stateless: true,
		},
	)

	return &Server{
		mcpServer:   mcpServer,
		handler:     handler,
		httpHandler: httpHandler,
	}
}

// ServeHTTP implements the Streamable HTTP endpoint. GET is refused since the
// server never pushes messages.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Mcp-Session-Id, Last-Event-ID, Authorization")
	w.Header().Set("Access-Control-Allow-Methods", "POST, DELETE, OPTIONS")

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost, http.MethodDelete:
	default:
		w.Header().Set("Allow", "POST, DELETE, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	log := obs.From(r.Context()).With("pkg", "mcp")
	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" && !isASCII(sid) {
		http.Error(w, "invalid Mcp-Session-Id header", http.StatusBadRequest)
		return
	}

	var reqBody []byte
	if r.Body != nil && r.Method == http.MethodPost {
		var err error
		reqBody, err = io.ReadAll(io.LimitReader(r.Body, maxMCPBodyBytes+1))
		if err != nil {
			log.Error("mcp_body_read_failed", "error", err)
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(reqBody) > maxMCPBodyBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	debugOn := mcpDebugEnabled()
	log.Debug("mcp_request", "method", r.Method, "remote", r.RemoteAddr, "headers", formatMCPHeadersForLog(r.Header))
	if debugOn && len(reqBody) > 0 {
		log.Info("mcp_request_body", "body", logutil.FormatBodyForLog(r.Header.Get("Content-Type"), reqBody, mcpDebugBodyLogLimitBytes, false))
	}

	respLogger := newMCPResponseLogger(w)
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("mcp_handler_panic", "panic", p, "stack", string(debug.Stack()))
				if !respLogger.wroteHeader {
					http.Error(respLogger, "Internal server error", http.StatusInternalServerError)
				}
			}
		}()
		s.httpHandler.ServeHTTP(respLogger, r)
	}()

	if !respLogger.wroteHeader {
		log.Error("mcp_no_response", "method", r.Method)
		http.Error(respLogger, "MCP handler returned without writing response", http.StatusInternalServerError)
	}

	if debugOn {
		log.Info("mcp_response",
			"status", respLogger.statusCode,
			"content_type", respLogger.Header().Get("Content-Type"),
			"body", logutil.FormatBodyForLog(respLogger.Header().Get("Content-Type"), respLogger.body, mcpDebugBodyLogLimitBytes, respLogger.truncated),
		)
	}
	if respLogger.statusCode >= http.StatusBadRequest {
		log.Warn("mcp_request_failed", "method", r.Method, "status", respLogger.statusCode, "remote", r.RemoteAddr)
	}
}

// Routes mounts the endpoint at /mcp alongside a health check.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	var endpoint http.Handler = s
	if s.limiter != nil {
		endpoint = ratelimit.Middleware(s.limiter, ratelimit.ClientKey)(endpoint)
	}
	mux.Handle("/mcp", endpoint)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("mcp", mux))
}

// WithRateLimit limits /mcp requests per client. The caller stops l.
func (s *Server) WithRateLimit(l *ratelimit.Limiter) *Server {
	s.limiter = l
	return s
}

// ListenAndServe serves Routes on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      runWriteTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	obs.Pkg("mcp").Info("mcp_listening", "addr", ln.Addr().String(), "path", "/mcp")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"snapcal/internal/apperr"
	"snapcal/internal/capture"
	"snapcal/internal/catalog"
	"snapcal/internal/config"
	appLog "snapcal/internal/log"
	"snapcal/internal/pipeline"
	"snapcal/internal/sink"
	"snapcal/internal/store"
)

// Deps are the collaborators a Server dispatches to. Settings, Pipeline and
// Catalog are required; the rest are optional.
type Deps struct {
	Settings *config.Store
	Pipeline *pipeline.Orchestrator
	Catalog  *catalog.Fetcher

	// Lane, when set, runs /api/extract through the bounded worker lane.
	Lane *pipeline.Lane
	// Store persists history and serves /api/history and stored logs.
	Store *store.Store
	// Ring serves /api/logs when no Store is configured.
	Ring  *appLog.Ring
	Sink  sink.Sink
	Pages *capture.Fetcher

	Log *appLog.Logger
}

// Server provides the HTTP API over the extraction pipeline.
type Server struct {
	Deps
	mux *http.ServeMux
}

// embeddedStatic contains the single-page upload form served at /.
//
//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server.
func NewServer(d Deps) *Server {
	if d.Pages == nil {
		d.Pages = capture.NewFetcher(nil, d.Log)
	}
	s := &Server{Deps: d, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if user, pass, ok := s.basicAuth(); ok {
		s.Log.Info("HTTP basic auth enabled")
		return basicAuthMiddleware(h, user, pass)
	}
	return h
}

// basicAuth reports whether HTTP Basic Auth is configured. An empty user
// name or password disables it.
func (s *Server) basicAuth() (string, string, bool) {
	cfg := s.Settings.Snapshot()
	if cfg.BasicAuth == nil || cfg.BasicAuth.Username == "" || cfg.BasicAuth.Password == "" {
		return "", "", false
	}
	return cfg.BasicAuth.Username, cfg.BasicAuth.Password, true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func basicAuthMiddleware(next http.Handler, username, password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="snapcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.Log.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/ocr", s.handleOCR)
	s.mux.HandleFunc("POST /api/parse", s.handleParse)
	s.mux.HandleFunc("POST /api/extract", s.handleExtract)
	s.mux.HandleFunc("POST /api/event.ics", s.handleEventICS)
	s.mux.HandleFunc("POST /api/import", s.handleImport)

	s.mux.HandleFunc("GET /api/models/{provider}", s.handleModels)
	s.mux.HandleFunc("POST /api/models/{provider}/refresh", s.handleModelsRefresh)

	s.mux.HandleFunc("GET /api/logs", s.handleLogs)
	s.mux.HandleFunc("DELETE /api/logs", s.handleLogsClear)

	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/history/{id}", s.handleHistoryItem)
	s.mux.HandleFunc("GET /api/history/{id}/occurrences", s.handleOccurrences)

	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// staticFileServer serves the embedded upload form. /api/* never falls
// through to it.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		s.Log.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}

	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// statusFor maps a pipeline failure to an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindMissingCredential, apperr.KindUnsupportedMethod, apperr.KindInvalidImage:
		return http.StatusBadRequest
	case apperr.KindMalformedEventJSON:
		return http.StatusUnprocessableEntity
	case apperr.KindNetwork:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	case apperr.KindProviderHTTP, apperr.KindEmptyResponse, apperr.KindMalformedProviderResponse:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

type errResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

// writePipelineError reports a classified failure with its kind.
func writePipelineError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errResp{Error: err.Error(), Kind: string(apperr.KindOf(err))})
}

// Package channel exposes the chat and ingestion endpoints over HTTP.
package channel

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ragchat/internal/chat"
	"ragchat/internal/config"
	"ragchat/internal/domain"
	"ragchat/internal/ingest"
	"ragchat/internal/metrics"

	"github.com/google/uuid"
)

const (
	defaultMaxBodySize     = 32 << 20
	defaultRequestTimeout  = 120 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	statusCheckTimeout     = 5 * time.Second
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// ModelPuller forwards model pull requests to the model server.
type ModelPuller interface {
	Pull(ctx context.Context, body []byte) (*http.Response, error)
}

// Web serves the HTTP API.
type Web struct {
	host            string
	port            int
	logger          *slog.Logger
	server          *http.Server
	handler         http.Handler
	version         string
	cfg             *config.Config
	chat            *chat.Orchestrator
	ingest          *ingest.Service
	puller          ModelPuller
	health          map[string]HealthCheck
	maxBody         int64
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	environ         func() []string

	// Auth settings
	authEnabled  bool
	authUser     string
	authPassHash string
}

type WebConfig struct {
	Host   string
	Port   int
	Logger *slog.Logger
	// Config supplies server settings, the advertised models and the
	// sanitized view served by GET /api/config.
	Config  *config.Config
	Version string
	Chat    *chat.Orchestrator
	Ingest  *ingest.Service
	Puller  ModelPuller
	Health  map[string]HealthCheck
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	// Environ lists environment variables; defaults to os.Environ.
	Environ func() []string
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Config == nil {
		cfg.Config = config.Defaults()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Environ == nil {
		cfg.Environ = environ
	}

	w := &Web{
		host:            cfg.Host,
		port:            cfg.Port,
		logger:          cfg.Logger,
		version:         cfg.Version,
		cfg:             cfg.Config,
		chat:            cfg.Chat,
		ingest:          cfg.Ingest,
		puller:          cfg.Puller,
		health:          cfg.Health,
		maxBody:         defaultMaxBodySize,
		requestTimeout:  defaultRequestTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		environ:         cfg.Environ,
	}

	srv := cfg.Config.Server
	if srv.MaxBodyBytes > 0 {
		w.maxBody = srv.MaxBodyBytes
	}
	if srv.MaxRequestDuration > 0 {
		w.requestTimeout = time.Duration(srv.MaxRequestDuration) * time.Second
	}
	if srv.ShutdownTimeout > 0 {
		w.shutdownTimeout = time.Duration(srv.ShutdownTimeout) * time.Second
	}
	if srv.Auth.Enabled {
		w.authEnabled = true
		w.authUser = srv.Auth.Username
		w.authPassHash = srv.Auth.PasswordHash
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/llm", w.requireAuth(w.handleChat))
	mux.HandleFunc("GET /api/llm", w.requireAuth(w.handleModels))
	mux.HandleFunc("PUT /api/llm", w.requireAuth(w.handlePull))
	mux.HandleFunc("POST /api/fetch", w.requireAuth(w.handleFetch))
	mux.HandleFunc("GET /api/config", w.requireAuth(w.handleGetConfig))
	mux.HandleFunc("GET /status", w.handleStatus) // public endpoint
	if cfg.Metrics != nil {
		mux.Handle("GET "+cfg.MetricsPath, cfg.Metrics)
	}
	w.handler = w.withRequestID(mux)
	return w
}

func (w *Web) Name() string { return "web" }

// Handler returns the HTTP handler with all routes mounted.
func (w *Web) Handler() http.Handler { return w.handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (w *Web) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      w.requestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	w.logger.Info("http server started", "addr", "http://"+addr, "auth", w.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
		defer cancel()
		if err := w.server.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("http server shutdown", "err", err)
		}
	}()

	if err := w.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// withRequestID tags every request and response with an X-Request-ID.
func (w *Web) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		rw.Header().Set("X-Request-ID", id)
		w.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(rw, r)
	})
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="ragchat"`)
			writeError(rw, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(rw, r)
	}
}

// checkCredentials verifies username and password against the stored hash.
func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.authPassHash)) == 1
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusCheckTimeout)
	defer cancel()

	status := "ok"
	checks := make(map[string]string, len(w.health))
	for name, check := range w.health {
		if err := check(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  status,
		"version": w.version,
		"time":    time.Now().Format(time.RFC3339),
		"uptime":  metrics.Collector.Uptime().Round(time.Second).String(),
		"checks":  checks,
	})
}

// handleGetConfig returns the current config with secrets masked.
func (w *Web) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, config.Sanitize(w.cfg))
}

// readJSON decodes a size-limited JSON body.
func (w *Web) readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, w.maxBody+1))
	if err != nil {
		return domain.Invalid("read body: %v", err)
	}
	if int64(len(body)) > w.maxBody {
		return domain.Invalid("request body exceeds %d bytes", w.maxBody)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.Invalid("invalid JSON: %v", err)
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, message string) {
	writeJSON(rw, status, map[string]string{"error": message})
}

package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"ragchat/internal/domain"
	"ragchat/internal/stream"
)

// modelEnvPrefix marks environment variables whose values are advertised models.
const modelEnvPrefix = "ollamamodel"

var environ = os.Environ

// handleChat runs one chat turn and streams it as server-sent events.
// Failures before the first frame are plain JSON errors.
func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	if w.chat == nil {
		writeError(rw, http.StatusServiceUnavailable, "chat is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), w.requestTimeout)
	defer cancel()

	var req domain.ChatRequest
	if err := w.readJSON(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, domain.PublicMessage(err))
		return
	}

	turn, err := w.chat.Start(ctx, req)
	if err != nil {
		status := domain.HTTPStatus(err)
		w.logger.Warn("chat request rejected", "status", status, "err", err)
		writeError(rw, status, domain.PublicMessage(err))
		return
	}

	err = stream.Pump(ctx, turn, stream.NewSSESink(rw))
	switch {
	case errors.Is(err, domain.ErrStreamAborted):
		w.logger.Info("chat client disconnected")
	case err != nil:
		w.logger.Warn("chat stream ended with error", "err", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		w.logger.Warn("chat stream hit the request ceiling", "limit", w.requestTimeout)
	}
}

// handleModels lists configured models plus any advertised through
// OLLAMAMODEL* environment variables.
func (w *Web) handleModels(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, ListModels(w.cfg.Models, w.environ()))
}

// ListModels merges configured models with the values of environment
// variables whose names start with "ollamamodel", ignoring case. Duplicates
// are dropped and configured models come first.
func ListModels(configured []string, env []string) []string {
	seen := make(map[string]bool)
	models := make([]string, 0, len(configured))
	add := func(m string) {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			return
		}
		seen[m] = true
		models = append(models, m)
	}
	for _, m := range configured {
		add(m)
	}

	var fromEnv []string
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(strings.ToLower(name), modelEnvPrefix) {
			fromEnv = append(fromEnv, kv)
		}
	}
	// Sorted by variable name for a stable order.
	sort.Strings(fromEnv)
	for _, kv := range fromEnv {
		_, value, _ := strings.Cut(kv, "=")
		add(value)
	}
	return models
}

// handlePull proxies a model pull to the model server and relays the
// upstream status and body as is.
func (w *Web) handlePull(rw http.ResponseWriter, r *http.Request) {
	if w.puller == nil {
		writeError(rw, http.StatusServiceUnavailable, "no model server configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, w.maxBody))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	resp, err := w.puller.Pull(r.Context(), body)
	if err != nil {
		w.logger.Warn("model pull failed", "err", err)
		writeError(rw, http.StatusServiceUnavailable, "model server unavailable")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		rw.Header().Set("Content-Type", ct)
	}
	rw.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(flushWriter{rw}, resp.Body); err != nil {
		w.logger.Debug("model pull relay interrupted", "err", err)
	}
}

// flushWriter flushes after every write so pull progress reaches the client.
type flushWriter struct {
	rw http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.rw.Write(p)
	if fl, ok := f.rw.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

package channel

import (
	"net/http"

	"ragchat/internal/domain"
	"ragchat/internal/ingest"
)

// handleFetch ingests uploaded text, CSV or PDF content and returns the
// chunk embeddings.
func (w *Web) handleFetch(rw http.ResponseWriter, r *http.Request) {
	if w.ingest == nil {
		writeError(rw, http.StatusServiceUnavailable, "ingestion is not configured")
		return
	}

	var req ingest.Request
	if err := w.readJSON(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, domain.PublicMessage(err))
		return
	}

	res, err := w.ingest.Ingest(r.Context(), req)
	if err != nil {
		status := domain.HTTPStatus(err)
		msg := domain.PublicMessage(err)
		if status == http.StatusInternalServerError {
			msg = err.Error()
		}
		w.logger.Warn("ingestion failed", "file", req.FileName, "status", status, "err", err)
		writeError(rw, status, msg)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

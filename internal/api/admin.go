package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/reelsense/internal/ingest"
)

// migrateEmbeddings embeds every approved item that has no vector yet and
// reports the batch outcome. It runs in the request.
func (h *handlers) migrateEmbeddings(w http.ResponseWriter, r *http.Request) {
	res, err := h.Embeddings.MigrateMissing(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "items")
		return
	}
	h.Logger.Info("embedding migration finished", "processed", res.Processed, "failed", res.Failed)
	writeJSON(w, http.StatusOK, res)
}

// enqueueEmbed queues an embed job for an item that was created or edited.
func (h *handlers) enqueueEmbed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetItem(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err, "item")
		return
	}
	jobID, err := ingest.EnqueueEmbed(r.Context(), h.Store, id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  jobID,
		"status": "queued",
	})
}

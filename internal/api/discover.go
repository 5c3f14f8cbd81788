package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/reelsense/internal/recommend"
	"github.com/kalambet/reelsense/internal/search"
)

type searchRequest struct {
	Query     string   `json:"query" validate:"required"`
	Limit     int      `json:"limit" validate:"gte=0"`
	Threshold *float64 `json:"threshold" validate:"omitempty,gte=-1,lte=1"`
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	threshold := search.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	results, err := h.Search.Search(r.Context(), req.Query, req.Limit, threshold)
	if err != nil {
		h.writeServiceError(w, r, err, "search results")
		return
	}
	writeData(w, results)
}

func (h *handlers) recommend(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", recommend.DefaultLimit, recommend.MaxLimit)
	items, err := h.Recommend.Recommend(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "recommendations")
		return
	}
	writeData(w, items)
}

func (h *handlers) recommendAnonymous(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", recommend.DefaultLimit, recommend.MaxLimit)
	items, err := h.Recommend.RecommendAnonymous(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "recommendations")
		return
	}
	writeData(w, items)
}

func (h *handlers) recommendSimilar(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", recommend.DefaultSimilarLimit, recommend.MaxLimit)
	items, err := h.Recommend.SimilarTo(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "item")
		return
	}
	writeData(w, items)
}

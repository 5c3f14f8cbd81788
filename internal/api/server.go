package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/reelsense/internal/assistant"
	"github.com/kalambet/reelsense/internal/embedding"
	"github.com/kalambet/reelsense/internal/metrics"
	"github.com/kalambet/reelsense/internal/recommend"
	"github.com/kalambet/reelsense/internal/search"
	"github.com/kalambet/reelsense/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

var validate = validator.New(validator.WithRequiredStructEnabled())

// Deps holds everything the HTTP surface serves from.
type Deps struct {
	Store      *storage.Store
	Search     *search.Service
	Recommend  *recommend.Blender
	Assistant  *assistant.Assistant
	Embeddings *embedding.Generator

	AdminToken string
	JWTSecret  string
	// ChatRatePerMinute limits chat requests per user; 0 disables the limit.
	ChatRatePerMinute int

	Logger *slog.Logger
}

// NewHandler returns the public HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/search", h.search)
	r.Get("/recommendations/anonymous", h.recommendAnonymous)
	r.Get("/recommendations/similar/{id}", h.recommendSimilar)

	r.Group(func(r chi.Router) {
		r.Use(UserAuth(deps.JWTSecret))

		r.Get("/recommendations", h.recommend)
		r.Get("/conversations", h.listConversations)
		r.Get("/conversations/{id}", h.getConversation)
		r.Delete("/conversations/{id}", h.deleteConversation)

		r.Group(func(r chi.Router) {
			if deps.ChatRatePerMinute > 0 {
				r.Use(chatRateLimit(deps.ChatRatePerMinute))
			}
			r.Post("/chat", h.chat)
			r.Post("/chat/stream", h.chatStream)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(BearerAuth(deps.AdminToken))
		r.Post("/migrate-embeddings", h.migrateEmbeddings)
		r.Post("/items/{id}/embed", h.enqueueEmbed)
	})

	return r
}

type handlers struct {
	Deps
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// instrument records request count and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

func chatRateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return UserID(r.Context()), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many chat requests, slow down")
		}),
	)
}

// decodeJSON reads and validates a request body into dst. On failure it
// writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
}

// writeServiceError maps domain errors onto HTTP status codes.
func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, assistant.ErrEmptyMessage),
		errors.Is(err, assistant.ErrMessageTooLong):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case r.Context().Err() != nil:
		// Client went away; nobody is listening.
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load %s", what)
	}
}

type dataEnvelope[T any] struct {
	Data []T `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, dataEnvelope[T]{Data: items})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// parseIntParam reads a non-negative integer query parameter. Invalid values
// fall back to defaultVal; maxVal > 0 caps the result.
func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type chatRequest struct {
	Message        string `json:"message" validate:"required"`
	ConversationID string `json:"conversationId" validate:"omitempty,max=64"`
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	turn, err := h.Assistant.Send(r.Context(), UserID(r.Context()), req.Message, req.ConversationID)
	if err != nil {
		h.writeServiceError(w, r, err, "conversation")
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

// chatStream relays an assistant Stream as server-sent events. Each event
// carries one JSON chunk; the stream ends after the done chunk.
func (h *handlers) chatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	st, err := h.Assistant.Stream(ctx, UserID(ctx), req.Message, req.ConversationID)
	if err != nil {
		h.writeServiceError(w, r, err, "conversation")
		return
	}
	defer st.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				h.Logger.Error("chat stream failed", "conversation_id", st.ConversationID(), "error", err)
				writeEvent(w, map[string]any{
					"error": map[string]any{
						"message": "stream failed",
						"type":    "server_error",
					},
				})
				flusher.Flush()
			}
			return
		}
		if err := writeEvent(w, chunk); err != nil {
			h.Logger.Debug("client write failed, abandoning stream", "error", err)
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20, 100)
	convs, err := h.Assistant.Conversations(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "conversations")
		return
	}
	writeData(w, convs)
}

func (h *handlers) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Assistant.Conversation(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handlers) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.Assistant.DeleteConversation(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err, "conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vibechat/internal/domain"
	"vibechat/internal/service"
)

const defaultHistoryLimit = 50

type createVibeRequest struct {
	Title string `json:"title"`
}

type startConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

// @Summary      Create a vibe
// @Tags         chat
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body createVibeRequest true "Vibe"
// @Success      201  {object}  domain.Vibe
// @Failure      400  {object}  map[string]string
// @Router       /chat/vibes [post]
func handleCreateVibe(convSvc *service.ConversationService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createVibeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		vibe, err := convSvc.CreateVibe(r.Context(), CurrentUser(r).ID, req.Title)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, vibe)
	}
}

// @Summary      Start or resume the conversation about a vibe
// @Tags         chat
// @Produce      json
// @Security     BearerAuth
// @Param        vibeID path string true "Vibe ID"
// @Success      200  {object}  startConversationResponse
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /chat/vibes/{vibeID}/start [post]
func handleStartConversation(convSvc *service.ConversationService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := convSvc.StartForVibe(r.Context(), chi.URLParam(r, "vibeID"), CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, startConversationResponse{ConversationID: id})
	}
}

// @Summary      Page of conversation history, newest first
// @Tags         chat
// @Produce      json
// @Security     BearerAuth
// @Param        conversationID path string true "Conversation ID"
// @Param        limit  query int false "Page size"
// @Param        offset query int false "Messages to skip from the newest"
// @Success      200  {object}  domain.History
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /chat/conversations/{conversationID}/messages [get]
func handleListMessages(convSvc *service.ConversationService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", defaultHistoryLimit)
		if err != nil {
			writeError(w, log, err)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, log, err)
			return
		}

		h, err := convSvc.History(r.Context(), chi.URLParam(r, "conversationID"), CurrentUser(r).ID, limit, offset)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, domain.ErrInvalidInput)
	}
	return n, nil
}

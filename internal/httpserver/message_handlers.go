package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vibechat/internal/metrics"
	"vibechat/internal/service"
)

// @Summary      Mark a message read
// @Tags         chat
// @Security     BearerAuth
// @Param        messageID path string true "Message ID"
// @Success      204
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /chat/messages/{messageID}/read [patch]
func handleMarkRead(msgSvc *service.MessageService, m *metrics.Metrics, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := msgSvc.MarkRead(r.Context(), chi.URLParam(r, "messageID"), CurrentUser(r).ID); err != nil {
			writeError(w, log, err)
			return
		}
		m.ReadAcks.Inc()
		w.WriteHeader(http.StatusNoContent)
	}
}

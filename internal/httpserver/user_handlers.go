package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vibechat/internal/domain"
	"vibechat/internal/service"
)

// @Summary      Get a user's public profile
// @Tags         users
// @Produce      json
// @Security     BearerAuth
// @Param        userID path string true "User ID"
// @Success      200  {object}  domain.Participant
// @Failure      404  {object}  map[string]string
// @Router       /users/{userID} [get]
func handleGetUser(authSvc *service.AuthService, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := authSvc.User(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.Participant{ID: user.ID, Username: user.Username})
	}
}

package users

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"telemtadm/entity"
	"telemtadm/lib/api/response"
	"telemtadm/lib/sl"
)

type Core interface {
	ActiveUsers(ctx context.Context, offset, limit int64) ([]*entity.RegistrationRequest, int64, error)
	DeactivateUser(ctx context.Context, telegramID int64) (bool, error)
}

const defaultPageSize = 50

type listPayload struct {
	Users []*entity.RegistrationRequest `json:"users"`
	Total int64                         `json:"total"`
}

func List(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.users")
		log := logger.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		offset := int64(0)
		limit := int64(defaultPageSize)
		if v := r.URL.Query().Get("offset"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				render.Status(r, 400)
				render.JSON(w, r, response.Error("Invalid offset"))
				return
			}
			offset = n
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 1 {
				render.Status(r, 400)
				render.JSON(w, r, response.Error("Invalid limit"))
				return
			}
			limit = n
		}

		users, total, err := handler.ActiveUsers(r.Context(), offset, limit)
		if err != nil {
			log.Error("listing users", sl.Err(err))
			render.JSON(w, r, response.Error(fmt.Sprintf("Request failed: %v", err)))
			return
		}

		render.JSON(w, r, response.Ok(listPayload{Users: users, Total: total}))
	}
}

func Delete(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.users")
		idParam := chi.URLParam(r, "id")
		log := logger.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("telegram_id", idParam),
		)

		telegramId, err := strconv.ParseInt(idParam, 10, 64)
		if err != nil {
			log.Warn("invalid telegram id")
			render.Status(r, 400)
			render.JSON(w, r, response.Error("Invalid telegram id"))
			return
		}

		removed, err := handler.DeactivateUser(r.Context(), telegramId)
		if err != nil {
			log.Error("deactivating user", sl.Err(err))
			render.JSON(w, r, response.Error(fmt.Sprintf("Request failed: %v", err)))
			return
		}
		if !removed {
			render.Status(r, 404)
			render.JSON(w, r, response.Error("User has no active access"))
			return
		}

		log.Info("user deactivated")
		render.JSON(w, r, response.Ok(nil))
	}
}

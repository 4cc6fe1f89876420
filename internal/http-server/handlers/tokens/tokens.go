package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"telemtadm/entity"
	"telemtadm/internal/provision"
	"telemtadm/lib/api/response"
	"telemtadm/lib/sl"
)

type Core interface {
	ListTokens(ctx context.Context) ([]*entity.InviteToken, error)
	CreateToken(ctx context.Context, params entity.TokenParams) (*entity.InviteToken, error)
}

func List(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.tokens")
		log := logger.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		list, err := handler.ListTokens(r.Context())
		if err != nil {
			log.Error("listing tokens", sl.Err(err))
			render.JSON(w, r, response.Error(fmt.Sprintf("Request failed: %v", err)))
			return
		}
		render.JSON(w, r, response.Ok(list))
	}
}

func Create(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.tokens")
		log := logger.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		params := &entity.TokenParams{}
		if err := render.Bind(r, params); err != nil {
			log.Warn("invalid token params", sl.Err(err))
			render.Status(r, 400)
			render.JSON(w, r, response.Error(fmt.Sprintf("Invalid request body: %v", err)))
			return
		}

		token, err := handler.CreateToken(r.Context(), *params)
		if errors.Is(err, provision.ErrPolicy) {
			render.Status(r, 422)
			render.JSON(w, r, response.Error(err.Error()))
			return
		}
		if err != nil {
			log.Error("creating token", sl.Err(err))
			render.JSON(w, r, response.Error(fmt.Sprintf("Request failed: %v", err)))
			return
		}

		log.With(sl.Secret("code", token.Code)).Info("token created")
		render.JSON(w, r, response.Ok(token))
	}
}

package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"telemtadm/entity"
	"telemtadm/internal/provision"
	"telemtadm/lib/api/response"
	"telemtadm/lib/sl"
)

type Core interface {
	PendingRequests(ctx context.Context) ([]*entity.RegistrationRequest, error)
	ApproveRequest(ctx context.Context, requestID int64) (*entity.RegistrationRequest, string, error)
	RejectRequest(ctx context.Context, requestID int64) (*entity.RegistrationRequest, error)
}

type decisionPayload struct {
	Request *entity.RegistrationRequest `json:"request"`
	Link    string                      `json:"link,omitempty"`
}

func List(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.requests")
		log := logger.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		pending, err := handler.PendingRequests(r.Context())
		if err != nil {
			log.Error("listing requests", sl.Err(err))
			render.JSON(w, r, response.Error(fmt.Sprintf("Request failed: %v", err)))
			return
		}
		render.JSON(w, r, response.Ok(pending))
	}
}

func Approve(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.requests")
		idParam := chi.URLParam(r, "id")
		log := logger.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("registration_id", idParam),
		)

		id, err := strconv.ParseInt(idParam, 10, 64)
		if err != nil {
			log.Warn("invalid registration id")
			render.Status(r, 400)
			render.JSON(w, r, response.Error("Invalid request id"))
			return
		}

		request, link, err := handler.ApproveRequest(r.Context(), id)
		if err != nil {
			writeDecisionError(w, r, log, err)
			return
		}

		log.Info("request approved")
		render.JSON(w, r, response.Ok(decisionPayload{Request: request, Link: link}))
	}
}

func Reject(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.requests")
		idParam := chi.URLParam(r, "id")
		log := logger.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("registration_id", idParam),
		)

		id, err := strconv.ParseInt(idParam, 10, 64)
		if err != nil {
			log.Warn("invalid registration id")
			render.Status(r, 400)
			render.JSON(w, r, response.Error("Invalid request id"))
			return
		}

		request, err := handler.RejectRequest(r.Context(), id)
		if err != nil {
			writeDecisionError(w, r, log, err)
			return
		}

		log.Info("request rejected")
		render.JSON(w, r, response.Ok(decisionPayload{Request: request}))
	}
}

func writeDecisionError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, provision.ErrNotFound):
		render.Status(r, 404)
		render.JSON(w, r, response.Error("Request not found"))
	case errors.Is(err, provision.ErrAlreadyProcessed):
		render.Status(r, 409)
		render.JSON(w, r, response.Error("Request already decided"))
	default:
		log.Error("deciding request", sl.Err(err))
		render.JSON(w, r, response.Error(fmt.Sprintf("Request failed: %v", err)))
	}
}

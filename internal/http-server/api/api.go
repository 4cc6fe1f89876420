package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"telemtadm/internal/config"
	"telemtadm/internal/http-server/handlers/errors"
	"telemtadm/internal/http-server/handlers/requests"
	"telemtadm/internal/http-server/handlers/tokens"
	"telemtadm/internal/http-server/handlers/users"
	"telemtadm/internal/http-server/middleware/authenticate"
	"telemtadm/internal/http-server/middleware/timeout"
	"telemtadm/lib/api/response"
	"telemtadm/lib/sl"
)

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

type Handler interface {
	authenticate.Authenticate
	users.Core
	requests.Core
	tokens.Core
}

func New(conf *config.Config, log *slog.Logger, handler Handler) error {

	server := Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	router := chi.NewRouter()
	router.Use(timeout.Timeout(5))
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(errors.NotFound(log))
	router.MethodNotAllowed(errors.NotAllowed(log))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, response.Ok("alive"))
	})

	router.Route("/v1", func(rootApi chi.Router) {
		rootApi.Use(authenticate.New(log, handler))
		rootApi.Route("/users", func(u chi.Router) {
			u.Get("/", users.List(log, handler))
			u.Delete("/{id}", users.Delete(log, handler))
		})
		rootApi.Route("/requests", func(rq chi.Router) {
			rq.Get("/", requests.List(log, handler))
			rq.Post("/{id}/approve", requests.Approve(log, handler))
			rq.Post("/{id}/reject", requests.Reject(log, handler))
		})
		rootApi.Route("/tokens", func(tk chi.Router) {
			tk.Get("/", tokens.List(log, handler))
			tk.Post("/", tokens.Create(log, handler))
		})
	})

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Handler:      router,
		ErrorLog:     httpLog,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverAddress := fmt.Sprintf("%s:%s", conf.Listen.BindIp, conf.Listen.Port)
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}

	server.log.Info("starting api server", slog.String("address", serverAddress))

	return server.httpServer.Serve(listener)
}

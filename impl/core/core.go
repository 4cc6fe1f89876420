package core

import (
	"context"
	"fmt"
	"log/slog"

	"telemtadm/entity"
	"telemtadm/internal/provision"
	"telemtadm/lib/sl"
)

type AuthService interface {
	ClientByToken(token string) (*entity.ApiClient, error)
}

// Core is the facade wired into the HTTP server. It delegates everything to
// the provisioning engine and keeps the transport layer free of engine
// types beyond the entities.
type Core struct {
	engine *provision.Engine
	auth   AuthService
	log    *slog.Logger
}

func New(engine *provision.Engine, log *slog.Logger) *Core {
	if engine == nil {
		panic("provisioning engine is nil")
	}
	return &Core{
		engine: engine,
		log:    log.With(sl.Module("core")),
	}
}

func (c *Core) SetAuthService(auth AuthService) {
	c.auth = auth
}

func (c *Core) AuthenticateByToken(token string) (*entity.ApiClient, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("auth service not connected")
	}
	return c.auth.ClientByToken(token)
}

func (c *Core) ActiveUsers(ctx context.Context, offset, limit int64) ([]*entity.RegistrationRequest, int64, error) {
	return c.engine.ActiveUsers(ctx, offset, limit)
}

func (c *Core) PendingRequests(ctx context.Context) ([]*entity.RegistrationRequest, error) {
	return c.engine.PendingRequests(ctx)
}

func (c *Core) ApproveRequest(ctx context.Context, requestID int64) (*entity.RegistrationRequest, string, error) {
	return c.engine.Approve(ctx, requestID)
}

func (c *Core) RejectRequest(ctx context.Context, requestID int64) (*entity.RegistrationRequest, error) {
	return c.engine.Reject(ctx, requestID)
}

func (c *Core) DeactivateUser(ctx context.Context, telegramID int64) (bool, error) {
	return c.engine.Deactivate(ctx, telegramID)
}

func (c *Core) CreateToken(ctx context.Context, params entity.TokenParams) (*entity.InviteToken, error) {
	return c.engine.CreateToken(ctx, params)
}

func (c *Core) ListTokens(ctx context.Context) ([]*entity.InviteToken, error) {
	return c.engine.ListTokens(ctx)
}

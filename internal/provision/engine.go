// Package provision is the access-provisioning engine: it reconciles the
// durable request store with the live credential table in the telemt config.
// Every grant exists in both places or the operation reports an error; the
// two stores share no transaction, so ordering and repair rules here are
// what keeps them consistent (see Approve).
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"telemtadm/entity"
	"telemtadm/lib/proxylink"
	"telemtadm/lib/sl"
)

var (
	// ErrNotFound: the request, token or identity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyProcessed: the request was not pending when a decision was
	// attempted. A second concurrent approve observes this and no-ops.
	ErrAlreadyProcessed = errors.New("request already processed")
	// ErrTokenInvalid: unknown, expired or exhausted invite token.
	ErrTokenInvalid = errors.New("invite token invalid")
	// ErrPolicy: a token creation attempt violates the security policy.
	ErrPolicy = errors.New("token policy violation")
)

// Store is the durable request/token store contract. The conditional
// operations (CreatePending, MarkApproved, MarkRejected, RedeemToken) must
// be atomic against concurrent callers; the engine adds no locking of its
// own around them. Implemented by internal/database.
type Store interface {
	RequestByID(ctx context.Context, id int64) (*entity.RegistrationRequest, error)
	RequestByUser(ctx context.Context, telegramID int64) (*entity.RegistrationRequest, error)
	CreatePending(ctx context.Context, telegramID int64, username, displayName string) (*entity.RegistrationRequest, error)
	MarkApproved(ctx context.Context, id int64, proxyUsername, secret string) (bool, error)
	MarkRejected(ctx context.Context, id int64) (bool, error)
	ForceApprove(ctx context.Context, telegramID int64, username, proxyUsername, secret string) (*entity.RegistrationRequest, error)
	Deactivate(ctx context.Context, telegramID int64) (bool, error)
	CreateToken(ctx context.Context, token *entity.InviteToken) error
	RedeemToken(ctx context.Context, code string, telegramID int64, now time.Time) (*entity.InviteToken, error)
	ListTokens(ctx context.Context) ([]*entity.InviteToken, error)
	ActiveUsers(ctx context.Context, offset, limit int64) ([]*entity.RegistrationRequest, int64, error)
	PendingRequests(ctx context.Context) ([]*entity.RegistrationRequest, error)
}

// Credentials is the live credential table in the telemt config file.
// Implemented by internal/telemt.
type Credentials interface {
	ReadLinkParams() (*proxylink.Params, error)
	UpsertUser(username, secret string) error
	RemoveUser(username string) (bool, error)
}

// Policy caps invite-token creation. Zero values fall back to defaults.
type Policy struct {
	DefaultTokenDays int64
	MaxTokenDays     int64
	AllowAutoApprove bool
	CodeLength       int
}

// Engine coordinates the stores. Construct one per process and share it;
// it carries no state beyond its collaborators.
type Engine struct {
	store  Store
	creds  Credentials
	policy Policy
	log    *slog.Logger
}

func New(store Store, creds Credentials, policy Policy, log *slog.Logger) *Engine {
	if policy.DefaultTokenDays == 0 {
		policy.DefaultTokenDays = 14
	}
	if policy.MaxTokenDays == 0 {
		policy.MaxTokenDays = 180
	}
	if policy.CodeLength == 0 {
		policy.CodeLength = 12
	}
	return &Engine{
		store:  store,
		creds:  creds,
		policy: policy,
		log:    log.With(sl.Module("provision")),
	}
}

// Register implements the self-service entry point behind /start.
// An approved identity gets its existing secret rendered against the
// current link parameters, so a proxy-side host or port change is picked up
// without re-registration. A rejected identity stays rejected; only
// CreateDirect can override. A deactivated identity may re-apply.
func (e *Engine) Register(ctx context.Context, telegramID int64, username, displayName string) (*entity.RegisterResult, error) {
	existing, err := e.store.RequestByUser(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		switch {
		case existing.HasCredential():
			link, err := e.renderLink(existing.Secret)
			if err != nil {
				return nil, err
			}
			return &entity.RegisterResult{Outcome: entity.OutcomeApproved, Request: existing, Link: link}, nil
		case existing.IsRejected():
			return &entity.RegisterResult{Outcome: entity.OutcomeRejected, Request: existing}, nil
		case existing.IsPending():
			return &entity.RegisterResult{Outcome: entity.OutcomeAlreadyPending, Request: existing}, nil
		}
		// approved but deactivated: fall through to a fresh request
	}

	request, err := e.store.CreatePending(ctx, telegramID, username, displayName)
	if err != nil {
		return nil, err
	}
	e.log.With(
		slog.Int64("request_id", request.ID),
		slog.Int64("telegram_id", telegramID),
	).Info("new registration request")

	return &entity.RegisterResult{Outcome: entity.OutcomeNewPending, Request: request}, nil
}

// Approve turns a pending request into a live credential. Ordering is
// credential-write-then-commit: the secret goes into the telemt config
// first, then the decision is committed to the store. If the commit loses a
// race the file is repaired with the winner's secret; if the commit fails
// outright the credential is rolled back so the stores stay in sync.
func (e *Engine) Approve(ctx context.Context, requestID int64) (*entity.RegistrationRequest, string, error) {
	request, err := e.store.RequestByID(ctx, requestID)
	if err != nil {
		return nil, "", err
	}
	if request == nil {
		return nil, "", fmt.Errorf("request %d: %w", requestID, ErrNotFound)
	}
	if !request.IsPending() {
		return nil, "", fmt.Errorf("request %d: %w", requestID, ErrAlreadyProcessed)
	}

	proxyUser := proxylink.Username(request.TelegramID)
	secret, err := proxylink.GenerateSecret()
	if err != nil {
		return nil, "", err
	}

	if err = e.creds.UpsertUser(proxyUser, secret); err != nil {
		return nil, "", err
	}

	committed, err := e.store.MarkApproved(ctx, requestID, proxyUser, secret)
	if err != nil {
		// Commit failed after the credential write: compensate by removing
		// the credential so no unrecorded access stays live.
		if _, rbErr := e.creds.RemoveUser(proxyUser); rbErr != nil {
			e.log.With(
				slog.Int64("request_id", requestID),
				sl.Err(rbErr),
			).Error("credential rollback failed, config and store are out of sync")
		}
		return nil, "", err
	}
	if !committed {
		// A concurrent approve won. Our upsert may have overwritten the
		// winner's secret in the file; repair it from the committed record.
		e.repairCredential(ctx, requestID, proxyUser)
		return nil, "", fmt.Errorf("request %d: %w", requestID, ErrAlreadyProcessed)
	}

	link, err := e.renderLink(secret)
	if err != nil {
		return nil, "", err
	}

	request.Status = entity.StatusApproved
	request.ProxyUsername = proxyUser
	request.Secret = secret
	request.Active = true
	request.DecidedAt = time.Now().UTC()

	e.log.With(
		slog.Int64("request_id", requestID),
		slog.String("proxy_username", proxyUser),
	).Info("request approved")
	return request, link, nil
}

// repairCredential re-reads the committed record and rewrites the file
// entry with its secret. Best effort; failures are logged, the caller has
// already lost the race either way.
func (e *Engine) repairCredential(ctx context.Context, requestID int64, proxyUser string) {
	committed, err := e.store.RequestByID(ctx, requestID)
	if err != nil || committed == nil {
		e.log.With(slog.Int64("request_id", requestID), sl.Err(err)).Warn("credential repair: cannot load winner")
		return
	}
	if committed.HasCredential() {
		if err = e.creds.UpsertUser(proxyUser, committed.Secret); err != nil {
			e.log.With(slog.Int64("request_id", requestID), sl.Err(err)).Warn("credential repair failed")
		}
		return
	}
	// committed without a live credential (e.g. rejected meanwhile)
	if _, err = e.creds.RemoveUser(proxyUser); err != nil {
		e.log.With(slog.Int64("request_id", requestID), sl.Err(err)).Warn("credential removal after lost race failed")
	}
}

// Reject declines a pending request. No credential interaction.
func (e *Engine) Reject(ctx context.Context, requestID int64) (*entity.RegistrationRequest, error) {
	request, err := e.store.RequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fmt.Errorf("request %d: %w", requestID, ErrNotFound)
	}
	if !request.IsPending() {
		return nil, fmt.Errorf("request %d: %w", requestID, ErrAlreadyProcessed)
	}

	committed, err := e.store.MarkRejected(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !committed {
		return nil, fmt.Errorf("request %d: %w", requestID, ErrAlreadyProcessed)
	}

	request.Status = entity.StatusRejected
	request.Active = false
	request.DecidedAt = time.Now().UTC()
	e.log.With(slog.Int64("request_id", requestID)).Info("request rejected")
	return request, nil
}

// CreateDirect provisions an identity without going through the request
// queue, overriding any prior rejected or pending state.
func (e *Engine) CreateDirect(ctx context.Context, telegramID int64, username string) (*entity.RegistrationRequest, string, error) {
	proxyUser := proxylink.Username(telegramID)
	secret, err := proxylink.GenerateSecret()
	if err != nil {
		return nil, "", err
	}

	if err = e.creds.UpsertUser(proxyUser, secret); err != nil {
		return nil, "", err
	}

	request, err := e.store.ForceApprove(ctx, telegramID, username, proxyUser, secret)
	if err != nil {
		if _, rbErr := e.creds.RemoveUser(proxyUser); rbErr != nil {
			e.log.With(
				slog.Int64("telegram_id", telegramID),
				sl.Err(rbErr),
			).Error("credential rollback failed, config and store are out of sync")
		}
		return nil, "", err
	}

	link, err := e.renderLink(secret)
	if err != nil {
		return nil, "", err
	}
	e.log.With(
		slog.Int64("telegram_id", telegramID),
		slog.String("proxy_username", proxyUser),
	).Info("user created directly")
	return request, link, nil
}

// Deactivate revokes the live credential and marks the identity inactive in
// the store. The two removals are independent and best-effort: a failure on
// one side is logged and joined into the returned error, but never blocks
// the other side.
func (e *Engine) Deactivate(ctx context.Context, telegramID int64) (bool, error) {
	proxyUser := proxylink.Username(telegramID)

	removed, credErr := e.creds.RemoveUser(proxyUser)
	if credErr != nil {
		e.log.With(slog.String("proxy_username", proxyUser), sl.Err(credErr)).Error("removing credential")
	}

	_, storeErr := e.store.Deactivate(ctx, telegramID)
	if storeErr != nil {
		e.log.With(slog.Int64("telegram_id", telegramID), sl.Err(storeErr)).Error("deactivating store record")
	}

	if removed {
		e.log.With(slog.String("proxy_username", proxyUser)).Info("user deactivated")
	}
	return removed, errors.Join(credErr, storeErr)
}

// RedeemToken validates and consumes one usage of an invite token for the
// given identity, then routes the identity through the normal registration
// flow. Identities that are already approved, pending or rejected do not
// consume a usage. With auto_approve the synthesized pending request is
// approved immediately.
func (e *Engine) RedeemToken(ctx context.Context, code string, telegramID int64, username, displayName string) (*entity.RegisterResult, error) {
	existing, err := e.store.RequestByUser(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if existing != nil && (existing.HasCredential() || existing.IsPending() || existing.IsRejected()) {
		// nothing for the token to do; report the current state
		return e.Register(ctx, telegramID, username, displayName)
	}

	token, err := e.store.RedeemToken(ctx, code, telegramID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	e.log.With(
		sl.Secret("code", token.Code),
		slog.Int64("telegram_id", telegramID),
		slog.Int64("usage_count", token.UsageCount),
	).Info("invite token redeemed")

	request, err := e.store.CreatePending(ctx, telegramID, username, displayName)
	if err != nil {
		return nil, err
	}

	if !token.AutoApprove {
		return &entity.RegisterResult{Outcome: entity.OutcomeNewPending, Request: request}, nil
	}

	approved, link, err := e.Approve(ctx, request.ID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			// another path decided the synthesized request already
			return e.Register(ctx, telegramID, username, displayName)
		}
		return nil, err
	}
	return &entity.RegisterResult{Outcome: entity.OutcomeApproved, Request: approved, Link: link}, nil
}

// AccessLink re-renders the proxy link for an identity that already holds a
// credential.
func (e *Engine) AccessLink(ctx context.Context, telegramID int64) (string, error) {
	request, err := e.store.RequestByUser(ctx, telegramID)
	if err != nil {
		return "", err
	}
	if request == nil || !request.HasCredential() {
		return "", fmt.Errorf("identity %d: %w", telegramID, ErrNotFound)
	}
	return e.renderLink(request.Secret)
}

// CreateToken mints a new invite token within the security policy: lifetime
// capped at MaxTokenDays, auto-approve only when the policy allows it.
func (e *Engine) CreateToken(ctx context.Context, params entity.TokenParams) (*entity.InviteToken, error) {
	days := params.Days
	if days == 0 {
		days = e.policy.DefaultTokenDays
	}
	if days < 1 || days > e.policy.MaxTokenDays {
		return nil, fmt.Errorf("%w: lifetime %d days out of range 1..%d", ErrPolicy, days, e.policy.MaxTokenDays)
	}
	if params.AutoApprove && !e.policy.AllowAutoApprove {
		return nil, fmt.Errorf("%w: auto-approve tokens are disabled", ErrPolicy)
	}
	if params.MaxUsage < 0 {
		return nil, fmt.Errorf("%w: max_usage must not be negative", ErrPolicy)
	}

	now := time.Now().UTC()
	token := &entity.InviteToken{
		Code:        newTokenCode(e.policy.CodeLength),
		AutoApprove: params.AutoApprove,
		MaxUsage:    params.MaxUsage,
		ExpiresAt:   now.AddDate(0, 0, int(days)),
		CreatedBy:   params.CreatedBy,
		CreatedAt:   now,
	}
	if err := e.store.CreateToken(ctx, token); err != nil {
		return nil, err
	}
	e.log.With(
		sl.Secret("code", token.Code),
		slog.Bool("auto_approve", token.AutoApprove),
		slog.Int64("max_usage", token.MaxUsage),
	).Info("invite token created")
	return token, nil
}

// ListTokens passes through to the store.
func (e *Engine) ListTokens(ctx context.Context) ([]*entity.InviteToken, error) {
	return e.store.ListTokens(ctx)
}

// ActiveUsers passes through to the store.
func (e *Engine) ActiveUsers(ctx context.Context, offset, limit int64) ([]*entity.RegistrationRequest, int64, error) {
	return e.store.ActiveUsers(ctx, offset, limit)
}

// PendingRequests passes through to the store.
func (e *Engine) PendingRequests(ctx context.Context) ([]*entity.RegistrationRequest, error) {
	return e.store.PendingRequests(ctx)
}

func (e *Engine) renderLink(secret string) (string, error) {
	params, err := e.creds.ReadLinkParams()
	if err != nil {
		return "", err
	}
	return proxylink.BuildLink(params, secret), nil
}

func newTokenCode(length int) string {
	code := strings.ReplaceAll(uuid.New().String(), "-", "")
	if length > 0 && length < len(code) {
		code = code[:length]
	}
	return code
}

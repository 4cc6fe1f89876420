package provision

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemtadm/entity"
	"telemtadm/lib/proxylink"
)

// fakeStore is an in-memory Store honoring the same atomicity contracts as
// the Mongo implementation: every conditional operation runs under one lock.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	requests map[int64]*entity.RegistrationRequest
	tokens   map[string]*entity.InviteToken

	approveErr     error  // returned by MarkApproved after the credential write
	beforeApprove  func() // runs inside MarkApproved before the status check
	createTokenErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: make(map[int64]*entity.RegistrationRequest),
		tokens:   make(map[string]*entity.InviteToken),
	}
}

func copyRequest(r *entity.RegistrationRequest) *entity.RegistrationRequest {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func (s *fakeStore) RequestByID(_ context.Context, id int64) (*entity.RegistrationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRequest(s.requests[id]), nil
}

func (s *fakeStore) RequestByUser(_ context.Context, telegramID int64) (*entity.RegistrationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *entity.RegistrationRequest
	for _, r := range s.requests {
		if r.TelegramID != telegramID {
			continue
		}
		if latest == nil || r.ID > latest.ID {
			latest = r
		}
	}
	return copyRequest(latest), nil
}

func (s *fakeStore) CreatePending(_ context.Context, telegramID int64, username, displayName string) (*entity.RegistrationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.TelegramID == telegramID && r.IsPending() {
			return copyRequest(r), nil
		}
	}
	s.nextID++
	r := &entity.RegistrationRequest{
		ID:               s.nextID,
		TelegramID:       telegramID,
		TelegramUsername: username,
		DisplayName:      displayName,
		Status:           entity.StatusPending,
		Active:           true,
		CreatedAt:        time.Now().UTC(),
	}
	s.requests[r.ID] = r
	return copyRequest(r), nil
}

func (s *fakeStore) MarkApproved(_ context.Context, id int64, proxyUsername, secret string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeApprove != nil {
		s.beforeApprove()
	}
	if s.approveErr != nil {
		return false, s.approveErr
	}
	r, ok := s.requests[id]
	if !ok || !r.IsPending() {
		return false, nil
	}
	r.Status = entity.StatusApproved
	r.ProxyUsername = proxyUsername
	r.Secret = secret
	r.Active = true
	r.DecidedAt = time.Now().UTC()
	return true, nil
}

func (s *fakeStore) MarkRejected(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok || !r.IsPending() {
		return false, nil
	}
	r.Status = entity.StatusRejected
	r.Active = false
	r.DecidedAt = time.Now().UTC()
	return true, nil
}

func (s *fakeStore) ForceApprove(_ context.Context, telegramID int64, username, proxyUsername, secret string) (*entity.RegistrationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *entity.RegistrationRequest
	for _, r := range s.requests {
		if r.TelegramID == telegramID && (latest == nil || r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		s.nextID++
		latest = &entity.RegistrationRequest{
			ID:               s.nextID,
			TelegramID:       telegramID,
			TelegramUsername: username,
			CreatedAt:        time.Now().UTC(),
		}
		s.requests[latest.ID] = latest
	}
	latest.Status = entity.StatusApproved
	latest.ProxyUsername = proxyUsername
	latest.Secret = secret
	latest.Active = true
	latest.DecidedAt = time.Now().UTC()
	return copyRequest(latest), nil
}

func (s *fakeStore) Deactivate(_ context.Context, telegramID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, r := range s.requests {
		if r.TelegramID == telegramID && r.Active {
			r.Active = false
			changed = true
		}
	}
	return changed, nil
}

func (s *fakeStore) CreateToken(_ context.Context, token *entity.InviteToken) error {
	if s.createTokenErr != nil {
		return s.createTokenErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Code] = token
	return nil
}

func (s *fakeStore) RedeemToken(_ context.Context, code string, telegramID int64, now time.Time) (*entity.InviteToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[code]
	if !ok || t.Expired(now) || t.Exhausted() {
		return nil, ErrTokenInvalid
	}
	t.UsageCount++
	t.UsedBy = telegramID
	t.UsedAt = now
	c := *t
	return &c, nil
}

func (s *fakeStore) ListTokens(_ context.Context) ([]*entity.InviteToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.InviteToken
	for _, t := range s.tokens {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (s *fakeStore) ActiveUsers(_ context.Context, offset, limit int64) ([]*entity.RegistrationRequest, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.RegistrationRequest
	for _, r := range s.requests {
		if r.HasCredential() {
			out = append(out, copyRequest(r))
		}
	}
	return out, int64(len(out)), nil
}

func (s *fakeStore) PendingRequests(_ context.Context) ([]*entity.RegistrationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.RegistrationRequest
	for _, r := range s.requests {
		if r.IsPending() {
			out = append(out, copyRequest(r))
		}
	}
	return out, nil
}

// fakeCreds is an in-memory credential table.
type fakeCreds struct {
	mu     sync.Mutex
	users  map[string]string
	params proxylink.Params

	upsertErr error
	removeErr error
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{
		users:  make(map[string]string),
		params: proxylink.Params{Host: "proxy.example.com", Port: 443, TLSDomain: "cdn.example.com"},
	}
}

func (c *fakeCreds) ReadLinkParams() (*proxylink.Params, error) {
	p := c.params
	return &p, nil
}

func (c *fakeCreds) UpsertUser(username, secret string) error {
	if c.upsertErr != nil {
		return c.upsertErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[username] = secret
	return nil
}

func (c *fakeCreds) RemoveUser(username string) (bool, error) {
	if c.removeErr != nil {
		return false, c.removeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.users[username]
	delete(c.users, username)
	return ok, nil
}

func (c *fakeCreds) secretOf(username string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.users[username]
	return s, ok
}

func newTestEngine(store Store, creds Credentials) *Engine {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, creds, Policy{AllowAutoApprove: true}, log)
}

func secretFromLink(t *testing.T, link string) string {
	t.Helper()
	idx := strings.Index(link, "secret=ee")
	require.Positive(t, idx, "link must carry a fake-TLS secret: %s", link)
	secret := link[idx+len("secret=ee"):][:proxylink.SecretLen]
	_, err := hex.DecodeString(secret)
	require.NoError(t, err)
	return secret
}

func TestRegisterApproveRegisterScenario(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	result, err := engine.Register(ctx, 111, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeNewPending, result.Outcome)
	require.NotNil(t, result.Request)
	assert.Equal(t, int64(1), result.Request.ID)

	again, err := engine.Register(ctx, 111, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeAlreadyPending, again.Outcome)
	assert.Equal(t, int64(1), again.Request.ID)

	request, link, err := engine.Approve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, request.Status)
	secret := secretFromLink(t, link)
	assert.Len(t, secret, proxylink.SecretLen)

	after, err := engine.Register(ctx, 111, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeApproved, after.Outcome)
	assert.Equal(t, secret, secretFromLink(t, after.Link), "registration must reproduce the issued secret")
}

func TestApproveIdempotence(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	result, err := engine.Register(ctx, 42, "bob", "")
	require.NoError(t, err)
	id := result.Request.ID

	_, link, err := engine.Approve(ctx, id)
	require.NoError(t, err)
	firstSecret := secretFromLink(t, link)

	_, _, err = engine.Approve(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	// exactly one credential entry holding the issued secret
	stored, ok := creds.secretOf(proxylink.Username(42))
	require.True(t, ok)
	assert.Equal(t, firstSecret, stored)
	assert.Len(t, creds.users, 1)
}

func TestApproveUnknownRequest(t *testing.T) {
	engine := newTestEngine(newFakeStore(), newFakeCreds())
	_, _, err := engine.Approve(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveLostRaceRepairsCredential(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	result, err := engine.Register(ctx, 7, "carol", "")
	require.NoError(t, err)
	id := result.Request.ID

	winnerSecret := strings.Repeat("ab", 16)
	store.beforeApprove = func() {
		// a concurrent approve commits first
		r := store.requests[id]
		if r.IsPending() {
			r.Status = entity.StatusApproved
			r.ProxyUsername = proxylink.Username(7)
			r.Secret = winnerSecret
			r.Active = true
		}
	}

	_, _, err = engine.Approve(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	stored, ok := creds.secretOf(proxylink.Username(7))
	require.True(t, ok)
	assert.Equal(t, winnerSecret, stored, "loser must repair the file with the winner's secret")
}

func TestApproveCommitFailureRollsBackCredential(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	result, err := engine.Register(ctx, 8, "dave", "")
	require.NoError(t, err)

	store.approveErr = errors.New("store write failed")
	_, _, err = engine.Approve(ctx, result.Request.ID)
	require.Error(t, err)

	_, ok := creds.secretOf(proxylink.Username(8))
	assert.False(t, ok, "credential must not stay live without a committed decision")
}

func TestRejectTerminalStates(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	result, err := engine.Register(ctx, 5, "eve", "")
	require.NoError(t, err)
	id := result.Request.ID

	_, _, err = engine.Approve(ctx, id)
	require.NoError(t, err)

	// rejecting an approved request must not flip its status
	_, err = engine.Reject(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	request, err := store.RequestByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, request.Status)
}

func TestRejectedIdentityStaysBarred(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, newFakeCreds())
	ctx := context.Background()

	result, err := engine.Register(ctx, 6, "mallory", "")
	require.NoError(t, err)

	rejected, err := engine.Reject(ctx, result.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRejected, rejected.Status)

	// self-service re-registration is permanently barred
	again, err := engine.Register(ctx, 6, "mallory", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeRejected, again.Outcome)
}

func TestCreateDirectOverridesRejection(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	result, err := engine.Register(ctx, 9, "frank", "")
	require.NoError(t, err)
	_, err = engine.Reject(ctx, result.Request.ID)
	require.NoError(t, err)

	request, link, err := engine.CreateDirect(ctx, 9, "frank")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, request.Status)
	assert.NotEmpty(t, link)

	after, err := engine.Register(ctx, 9, "frank", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeApproved, after.Outcome)
}

func TestDeactivate(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	result, err := engine.Register(ctx, 10, "grace", "")
	require.NoError(t, err)
	_, _, err = engine.Approve(ctx, result.Request.ID)
	require.NoError(t, err)

	removed, err := engine.Deactivate(ctx, 10)
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok := creds.secretOf(proxylink.Username(10))
	assert.False(t, ok)

	// a deactivated identity may apply again
	again, err := engine.Register(ctx, 10, "grace", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeNewPending, again.Outcome)
}

func TestDeactivateUnknownUser(t *testing.T) {
	engine := newTestEngine(newFakeStore(), newFakeCreds())
	removed, err := engine.Deactivate(context.Background(), 404)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDeactivateCredentialFailureStillUpdatesStore(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	result, err := engine.Register(ctx, 11, "heidi", "")
	require.NoError(t, err)
	_, _, err = engine.Approve(ctx, result.Request.ID)
	require.NoError(t, err)

	creds.removeErr = errors.New("disk full")
	_, err = engine.Deactivate(ctx, 11)
	assert.Error(t, err)

	request, err := store.RequestByUser(ctx, 11)
	require.NoError(t, err)
	assert.False(t, request.Active, "store side must proceed despite credential failure")
}

func TestRedeemTokenAutoApprove(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	token, err := engine.CreateToken(ctx, entity.TokenParams{AutoApprove: true, MaxUsage: 3})
	require.NoError(t, err)

	result, err := engine.RedeemToken(ctx, token.Code, 20, "ivan", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeApproved, result.Outcome)
	assert.NotEmpty(t, result.Link)

	_, ok := creds.secretOf(proxylink.Username(20))
	assert.True(t, ok)
}

func TestRedeemTokenManualReview(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, newFakeCreds())
	ctx := context.Background()

	token, err := engine.CreateToken(ctx, entity.TokenParams{})
	require.NoError(t, err)

	result, err := engine.RedeemToken(ctx, token.Code, 21, "judy", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeNewPending, result.Outcome)
}

func TestRedeemTokenInvalid(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, newFakeCreds())
	ctx := context.Background()

	_, err := engine.RedeemToken(ctx, "no-such-code", 22, "", "")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	expired := &entity.InviteToken{
		Code:      "expired",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, store.CreateToken(ctx, expired))
	_, err = engine.RedeemToken(ctx, "expired", 22, "", "")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRedeemTokenDoesNotBurnUsageForKnownIdentity(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	token, err := engine.CreateToken(ctx, entity.TokenParams{AutoApprove: true, MaxUsage: 1})
	require.NoError(t, err)

	_, _, err = engine.CreateDirect(ctx, 23, "kim")
	require.NoError(t, err)

	result, err := engine.RedeemToken(ctx, token.Code, 23, "kim", "")
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeApproved, result.Outcome)

	stored := store.tokens[token.Code]
	assert.Zero(t, stored.UsageCount, "an already approved identity must not consume a usage")
}

func TestRedeemTokenUsageBoundUnderConcurrency(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	token, err := engine.CreateToken(ctx, entity.TokenParams{MaxUsage: 1})
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.RedeemToken(ctx, token.Code, int64(1000+i), fmt.Sprintf("user%d", i), "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrTokenInvalid)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one redemption may pass")
	assert.Equal(t, int64(1), store.tokens[token.Code].UsageCount, "usage_count must never exceed max_usage")
}

func TestCreateTokenPolicy(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("lifetime capped", func(t *testing.T) {
		engine := New(newFakeStore(), newFakeCreds(), Policy{MaxTokenDays: 30, AllowAutoApprove: true}, log)
		_, err := engine.CreateToken(ctx, entity.TokenParams{Days: 31})
		assert.ErrorIs(t, err, ErrPolicy)
	})

	t.Run("auto approve disabled", func(t *testing.T) {
		engine := New(newFakeStore(), newFakeCreds(), Policy{AllowAutoApprove: false}, log)
		_, err := engine.CreateToken(ctx, entity.TokenParams{AutoApprove: true})
		assert.ErrorIs(t, err, ErrPolicy)
	})

	t.Run("defaults applied", func(t *testing.T) {
		engine := New(newFakeStore(), newFakeCreds(), Policy{AllowAutoApprove: true}, log)
		token, err := engine.CreateToken(ctx, entity.TokenParams{})
		require.NoError(t, err)
		assert.Len(t, token.Code, 12)
		expectedExpiry := time.Now().UTC().AddDate(0, 0, 14)
		assert.WithinDuration(t, expectedExpiry, token.ExpiresAt, time.Minute)
	})
}

func TestAccessLink(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	_, err := engine.AccessLink(ctx, 50)
	assert.ErrorIs(t, err, ErrNotFound)

	_, link, err := engine.CreateDirect(ctx, 50, "olga")
	require.NoError(t, err)

	got, err := engine.AccessLink(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, link, got)
}

func TestAccessLinkTracksLinkParams(t *testing.T) {
	store := newFakeStore()
	creds := newFakeCreds()
	engine := newTestEngine(store, creds)
	ctx := context.Background()

	_, _, err := engine.CreateDirect(ctx, 51, "peggy")
	require.NoError(t, err)

	creds.params.Host = "other.example.net"
	creds.params.Port = 8443

	link, err := engine.AccessLink(ctx, 51)
	require.NoError(t, err)
	assert.Contains(t, link, "server=other.example.net&port=8443")
}

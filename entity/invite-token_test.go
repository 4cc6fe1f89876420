package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInviteTokenUsable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token InviteToken
		want  bool
	}{
		{"fresh", InviteToken{ExpiresAt: now.Add(time.Hour)}, true},
		{"expired", InviteToken{ExpiresAt: now.Add(-time.Second)}, false},
		{"expires exactly now", InviteToken{ExpiresAt: now}, false},
		{"unbounded usage", InviteToken{ExpiresAt: now.Add(time.Hour), MaxUsage: 0, UsageCount: 1000}, true},
		{"under the bound", InviteToken{ExpiresAt: now.Add(time.Hour), MaxUsage: 3, UsageCount: 2}, true},
		{"exhausted", InviteToken{ExpiresAt: now.Add(time.Hour), MaxUsage: 3, UsageCount: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.Usable(now))
		})
	}
}

func TestRegistrationRequestDisplayLabel(t *testing.T) {
	assert.Equal(t, "Full Name", (&RegistrationRequest{DisplayName: "Full Name", TelegramUsername: "u", TelegramID: 1}).DisplayLabel())
	assert.Equal(t, "@u", (&RegistrationRequest{TelegramUsername: "u", TelegramID: 1}).DisplayLabel())
	assert.Equal(t, "tg_1", (&RegistrationRequest{ProxyUsername: "tg_1", TelegramID: 1}).DisplayLabel())
	assert.Equal(t, "tg_1", (&RegistrationRequest{TelegramID: 1}).DisplayLabel())
}

func TestHasCredential(t *testing.T) {
	assert.True(t, (&RegistrationRequest{Status: StatusApproved, Active: true, Secret: "s"}).HasCredential())
	assert.False(t, (&RegistrationRequest{Status: StatusApproved, Active: false, Secret: "s"}).HasCredential())
	assert.False(t, (&RegistrationRequest{Status: StatusApproved, Active: true}).HasCredential())
	assert.False(t, (&RegistrationRequest{Status: StatusPending, Active: true, Secret: "s"}).HasCredential())
}

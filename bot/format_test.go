package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"telemtadm/entity"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"dot", "user.name", "user\\.name"},
		{"underscore", "tg_42", "tg\\_42"},
		{"link", "tg://proxy?server=x&port=1&secret=ee", "tg://proxy?server\\=x&port\\=1&secret\\=ee"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestSplitMessage(t *testing.T) {
	short := splitMessage("hello", 100)
	assert.Equal(t, []string{"hello"}, short)

	long := strings.Repeat("line\n", 100)
	parts := splitMessage(long, 50)
	assert.Greater(t, len(parts), 1)
	for _, part := range parts {
		assert.LessOrEqual(t, len(part), 50)
	}
	assert.Equal(t, long, strings.Join(parts, ""))
}

func TestFormatToken(t *testing.T) {
	now := time.Now().UTC()

	valid := &entity.InviteToken{Code: "abc123", MaxUsage: 5, UsageCount: 2, ExpiresAt: now.Add(24 * time.Hour)}
	line := formatToken(valid)
	assert.Contains(t, line, "2/5")
	assert.Contains(t, line, "valid")
	assert.Contains(t, line, "review")

	unlimited := &entity.InviteToken{Code: "xyz", AutoApprove: true, UsageCount: 7, ExpiresAt: now.Add(24 * time.Hour)}
	line = formatToken(unlimited)
	assert.Contains(t, line, "7/∞")
	assert.Contains(t, line, "auto")

	expired := &entity.InviteToken{Code: "old", ExpiresAt: now.Add(-time.Hour)}
	assert.Contains(t, formatToken(expired), "expired")

	exhausted := &entity.InviteToken{Code: "used", MaxUsage: 1, UsageCount: 1, ExpiresAt: now.Add(time.Hour)}
	assert.Contains(t, formatToken(exhausted), "exhausted")
}

func TestFormatUsersPage(t *testing.T) {
	users := []*entity.RegistrationRequest{
		{ID: 1, TelegramID: 100, TelegramUsername: "alice", ProxyUsername: "tg_100"},
		{ID: 2, TelegramID: 200, ProxyUsername: "tg_200"},
	}
	page := formatUsersPage(users, 1, 10, 25)
	assert.Contains(t, page, "page 1/3")
	assert.Contains(t, page, "25 total")
	assert.Contains(t, page, "tg\\_100")
	assert.Contains(t, page, "alice")
}

func TestFormatPendingNotice(t *testing.T) {
	request := &entity.RegistrationRequest{ID: 7, TelegramID: 300, TelegramUsername: "bob", DisplayName: "Bob B"}
	notice := formatPendingNotice(request)
	assert.Contains(t, notice, "\\#7")
	assert.Contains(t, notice, "/approve 7")
	assert.Contains(t, notice, "/reject 7")
	assert.Contains(t, notice, "Bob B")
}

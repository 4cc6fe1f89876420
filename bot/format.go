package bot

import (
	"fmt"
	"strings"
	"time"

	"telemtadm/entity"
)

// MarkdownV2 rendering of engine results. Dynamic values always pass through
// Sanitize; the markup itself is written pre-escaped.

func formatAccessGranted(link string) string {
	return fmt.Sprintf(
		"Access granted\\. Your connection link:\n`%s`\n\nTap the link or paste it into Telegram's proxy settings\\.",
		Sanitize(link),
	)
}

func formatPendingNotice(request *entity.RegistrationRequest) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Request \\#%d*\n", request.ID))
	sb.WriteString("From: " + Sanitize(request.DisplayLabel()) + "\n")
	if request.DisplayName != "" {
		sb.WriteString("Name: " + Sanitize(request.DisplayName) + "\n")
	}
	sb.WriteString(fmt.Sprintf("Use `/approve %d` or `/reject %d`", request.ID, request.ID))
	return sb.String()
}

func formatUsersPage(users []*entity.RegistrationRequest, page, pageSize, total int64) string {
	lastPage := (total + pageSize - 1) / pageSize
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Active users* \\(page %d/%d, %d total\\)\n", page, lastPage, total))
	for _, user := range users {
		sb.WriteString(fmt.Sprintf("  `%s` \\| %s\n",
			Sanitize(user.ProxyUsername),
			Sanitize(user.DisplayLabel()),
		))
	}
	if int64(len(users)) == 0 && page > 1 {
		sb.WriteString("  \\(empty page\\)\n")
	}
	return sb.String()
}

func formatToken(token *entity.InviteToken) string {
	usage := fmt.Sprintf("%d/∞", token.UsageCount)
	if token.MaxUsage > 0 {
		usage = fmt.Sprintf("%d/%d", token.UsageCount, token.MaxUsage)
	}
	state := "valid"
	now := time.Now().UTC()
	switch {
	case token.Expired(now):
		state = "expired"
	case token.Exhausted():
		state = "exhausted"
	}
	mode := "review"
	if token.AutoApprove {
		mode = "auto"
	}
	return fmt.Sprintf("`%s` \\| %s \\| %s \\| %s \\| until %s",
		Sanitize(token.Code),
		Sanitize(usage),
		mode,
		state,
		Sanitize(token.ExpiresAt.Format("2006-01-02")),
	)
}

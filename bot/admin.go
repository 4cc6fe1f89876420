package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"telemtadm/entity"
	"telemtadm/internal/provision"
	"telemtadm/internal/service"
)

func serviceActions() []string {
	return service.Actions()
}

// approveCmd grants a pending request by its numeric ID and sends the
// connection link to the requester.
func (t *TgBot) approveCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/approve <request_id>`")
		return nil
	}
	requestId, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		t.plainResponse(chatId, "Invalid request ID: "+Sanitize(args[1]))
		return nil
	}

	request, link, err := t.engine.Approve(context.Background(), requestId)
	if errors.Is(err, provision.ErrNotFound) {
		t.plainResponse(chatId, fmt.Sprintf("Request %d not found\\.", requestId))
		return nil
	}
	if errors.Is(err, provision.ErrAlreadyProcessed) {
		t.plainResponse(chatId, fmt.Sprintf("Request %d was already decided\\.", requestId))
		return nil
	}
	if err != nil {
		t.reportError(chatId, "/approve", err)
		return nil
	}

	t.plainResponse(chatId, "Approved "+Sanitize(request.DisplayLabel())+"\\.")
	t.plainResponse(request.TelegramID, formatAccessGranted(link))
	return nil
}

// rejectCmd declines a pending request by its numeric ID.
func (t *TgBot) rejectCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/reject <request_id>`")
		return nil
	}
	requestId, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		t.plainResponse(chatId, "Invalid request ID: "+Sanitize(args[1]))
		return nil
	}

	request, err := t.engine.Reject(context.Background(), requestId)
	if errors.Is(err, provision.ErrNotFound) {
		t.plainResponse(chatId, fmt.Sprintf("Request %d not found\\.", requestId))
		return nil
	}
	if errors.Is(err, provision.ErrAlreadyProcessed) {
		t.plainResponse(chatId, fmt.Sprintf("Request %d was already decided\\.", requestId))
		return nil
	}
	if err != nil {
		t.reportError(chatId, "/reject", err)
		return nil
	}

	t.plainResponse(chatId, "Rejected "+Sanitize(request.DisplayLabel())+"\\.")
	t.plainResponse(request.TelegramID, "Your request was declined\\.")
	return nil
}

// createCmd provisions an identity directly, bypassing the request queue.
// Overrides a prior rejection.
func (t *TgBot) createCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/create <telegram_id> [username]`")
		return nil
	}
	targetId, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		t.plainResponse(chatId, "Invalid telegram ID: "+Sanitize(args[1]))
		return nil
	}
	username := ""
	if len(args) > 2 {
		username = strings.TrimPrefix(args[2], "@")
	}

	request, link, err := t.engine.CreateDirect(context.Background(), targetId, username)
	if err != nil {
		t.reportError(chatId, "/create", err)
		return nil
	}

	t.plainResponse(chatId, "Created "+Sanitize(request.DisplayLabel())+"\\.")
	t.plainResponse(targetId, formatAccessGranted(link))
	return nil
}

// deleteCmd revokes access: the credential leaves the proxy config and the
// store record goes inactive.
func (t *TgBot) deleteCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/delete <telegram_id>`")
		return nil
	}
	targetId, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		t.plainResponse(chatId, "Invalid telegram ID: "+Sanitize(args[1]))
		return nil
	}

	removed, err := t.engine.Deactivate(context.Background(), targetId)
	if err != nil {
		t.reportError(chatId, "/delete", err)
		return nil
	}
	if !removed {
		t.plainResponse(chatId, fmt.Sprintf("No active access for `%d`\\.", targetId))
		return nil
	}

	t.plainResponse(chatId, fmt.Sprintf("Access for `%d` revoked\\.", targetId))
	t.plainResponse(targetId, "Your proxy access has been revoked\\.")
	return nil
}

// usersCmd lists active users one page at a time.
func (t *TgBot) usersCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	page := int64(1)
	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) > 1 {
		p, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || p < 1 {
			t.plainResponse(chatId, "Usage: `/users [page]`")
			return nil
		}
		page = p
	}

	pageSize := t.config.UsersPageSize
	users, total, err := t.engine.ActiveUsers(context.Background(), (page-1)*pageSize, pageSize)
	if err != nil {
		t.reportError(chatId, "/users", err)
		return nil
	}
	if total == 0 {
		t.plainResponse(chatId, "No active users\\.")
		return nil
	}

	for _, part := range splitMessage(formatUsersPage(users, page, pageSize, total), maxTelegramMessageLen) {
		t.plainResponse(chatId, part)
	}
	return nil
}

// pendingCmd lists open requests, each with approve/reject buttons.
func (t *TgBot) pendingCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	requests, err := t.engine.PendingRequests(context.Background())
	if err != nil {
		t.reportError(chatId, "/pending", err)
		return nil
	}
	if len(requests) == 0 {
		t.plainResponse(chatId, "No pending requests\\.")
		return nil
	}

	for _, request := range requests {
		t.sendWithKeyboard(chatId, formatPendingNotice(request), buildDecisionButtons(request.ID))
	}
	return nil
}

// inviteCmd mints an invite token and renders it as a t.me deep link.
// Arguments: lifetime in days, usage bound (0 = unlimited), and the literal
// word "auto" to make redemptions skip the review queue.
func (t *TgBot) inviteCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	params := entity.TokenParams{CreatedBy: chatId}
	args := strings.Fields(ctx.EffectiveMessage.Text)
	for i, arg := range args[1:] {
		if arg == "auto" {
			params.AutoApprove = true
			continue
		}
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			t.plainResponse(chatId, "Usage: `/invite [days] [uses] [auto]`")
			return nil
		}
		if i == 0 {
			params.Days = n
		} else {
			params.MaxUsage = n
		}
	}

	token, err := t.engine.CreateToken(context.Background(), params)
	if errors.Is(err, provision.ErrPolicy) {
		t.plainResponse(chatId, "Not allowed: "+Sanitize(err.Error()))
		return nil
	}
	if err != nil {
		t.reportError(chatId, "/invite", err)
		return nil
	}

	deepLink := fmt.Sprintf("https://t.me/%s?start=%s", t.api.Username, token.Code)
	t.plainResponse(chatId, fmt.Sprintf("%s\nDeep link: %s", formatToken(token), Sanitize(deepLink)))
	return nil
}

// tokensCmd lists all invite tokens with their usage state.
func (t *TgBot) tokensCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	tokens, err := t.engine.ListTokens(context.Background())
	if err != nil {
		t.reportError(chatId, "/tokens", err)
		return nil
	}
	if len(tokens) == 0 {
		t.plainResponse(chatId, "No invite tokens\\.")
		return nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Invite tokens* \\(%d\\)\n", len(tokens)))
	for _, token := range tokens {
		sb.WriteString(formatToken(token) + "\n")
	}
	for _, part := range splitMessage(sb.String(), maxTelegramMessageLen) {
		t.plainResponse(chatId, part)
	}
	return nil
}

// serviceCmd runs a systemctl verb against the proxy unit and echoes the
// output back.
func (t *TgBot) serviceCmd(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.isAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, fmt.Sprintf("Usage: `/service <%s>`", strings.Join(serviceActions(), "\\|")))
		return nil
	}

	output, err := t.service.Run(context.Background(), args[1])
	if err != nil && output == "" {
		t.reportError(chatId, "/service "+args[1], err)
		return nil
	}
	if output == "" {
		output = "done"
	}
	for _, part := range splitMessage("```\n"+output+"\n```", maxTelegramMessageLen) {
		t.plainResponse(chatId, part)
	}
	return nil
}

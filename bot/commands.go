package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"telemtadm/entity"
	"telemtadm/internal/provision"
)

func (t *TgBot) start(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	username := ctx.EffectiveUser.Username
	displayName := strings.TrimSpace(ctx.EffectiveUser.FirstName + " " + ctx.EffectiveUser.LastName)

	// /start CODE arrives via the t.me deep link of an invite token
	args := strings.Fields(ctx.EffectiveMessage.Text)
	var result *entity.RegisterResult
	var err error
	if len(args) > 1 {
		result, err = t.engine.RedeemToken(context.Background(), args[1], chatId, username, displayName)
		if errors.Is(err, provision.ErrTokenInvalid) {
			t.plainResponse(chatId, "This invite link is expired or no longer valid\\.")
			return nil
		}
	} else {
		result, err = t.engine.Register(context.Background(), chatId, username, displayName)
	}
	if err != nil {
		t.reportError(chatId, "/start", err)
		return nil
	}

	switch result.Outcome {
	case entity.OutcomeApproved:
		t.plainResponse(chatId, formatAccessGranted(result.Link))
	case entity.OutcomeAlreadyPending:
		t.plainResponse(chatId, "Your request is awaiting review\\. You will be notified once it is decided\\.")
	case entity.OutcomeRejected:
		t.plainResponse(chatId, "Your request was declined\\.")
	case entity.OutcomeNewPending:
		t.plainResponse(chatId, "Request received\\. You will be notified once it is reviewed\\.")
		t.notifyAdmins(formatPendingNotice(result.Request))
		t.sendPendingCard(result.Request)
	}
	return nil
}

// link re-renders the access link for an already approved identity, picking
// up the current proxy host and port from the config file.
func (t *TgBot) link(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	accessLink, err := t.engine.AccessLink(context.Background(), chatId)
	if errors.Is(err, provision.ErrNotFound) {
		t.plainResponse(chatId, "You do not have access yet\\. Use /start to request it\\.")
		return nil
	}
	if err != nil {
		t.reportError(chatId, "/link", err)
		return nil
	}
	t.plainResponse(chatId, formatAccessGranted(accessLink))
	return nil
}

func (t *TgBot) help(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	var sb strings.Builder
	sb.WriteString("*Available Commands*\n\n")
	sb.WriteString("`/start` \\- Request proxy access\n")
	sb.WriteString("`/link` \\- Show your connection link\n")
	sb.WriteString("`/help` \\- Show this help\n")

	if t.isAdmin(chatId) {
		sb.WriteString("\n*Admin Commands:*\n")
		sb.WriteString("`/pending` \\- List pending requests\n")
		sb.WriteString("`/approve <request_id>` \\- Approve a request\n")
		sb.WriteString("`/reject <request_id>` \\- Reject a request\n")
		sb.WriteString("`/create <telegram_id> [username]` \\- Provision a user directly\n")
		sb.WriteString("`/delete <telegram_id>` \\- Revoke access\n")
		sb.WriteString("`/users [page]` \\- List active users\n")
		sb.WriteString("`/invite [days] [uses] [auto]` \\- Create an invite token\n")
		sb.WriteString("`/tokens` \\- List invite tokens\n")
		sb.WriteString(fmt.Sprintf("`/service <%s>` \\- Control the proxy service\n", strings.Join(serviceActions(), "\\|")))
	}

	t.plainResponse(chatId, sb.String())
	return nil
}

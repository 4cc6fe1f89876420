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
)

// Callback data prefixes for inline keyboard buttons.
// Telegram limits callback data to 64 bytes, so prefixes are kept short.
// Format: prefix + request ID (e.g., "a:42", "r:42").
const (
	cbApprove = "a:"
	cbReject  = "r:"
)

// buildDecisionButtons creates approve/reject buttons for a pending request.
func buildDecisionButtons(requestId int64) tgbotapi.InlineKeyboardMarkup {
	idStr := strconv.FormatInt(requestId, 10)
	return tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
			{
				{Text: "Approve ✓", CallbackData: cbApprove + idStr},
				{Text: "Reject ✗", CallbackData: cbReject + idStr},
			},
		},
	}
}

// sendPendingCard pushes a decision card with buttons to every admin.
func (t *TgBot) sendPendingCard(request *entity.RegistrationRequest) {
	keyboard := buildDecisionButtons(request.ID)
	for _, adminId := range t.config.AdminIds {
		t.sendWithKeyboard(adminId, formatPendingNotice(request), keyboard)
	}
}

// onApproveCallback handles the inline "Approve" button. The engine's
// conditional commit makes a second press (or a concurrent /approve) a
// harmless no-op reported as "already decided".
func (t *TgBot) onApproveCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	chatId := cq.From.Id

	if !t.isAdmin(chatId) {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Admin access required", ShowAlert: true})
		return nil
	}

	idStr := strings.TrimPrefix(cq.Data, cbApprove)
	requestId, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Invalid request ID"})
		return nil
	}

	request, link, err := t.engine.Approve(context.Background(), requestId)
	if errors.Is(err, provision.ErrAlreadyProcessed) {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Already decided"})
		t.resolveCard(cq, "already decided")
		return nil
	}
	if errors.Is(err, provision.ErrNotFound) {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Request not found"})
		return nil
	}
	if err != nil {
		t.reportError(chatId, "approve:callback", err)
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Error occurred"})
		return nil
	}

	t.resolveCard(cq, "✓ approved")
	t.plainResponse(request.TelegramID, formatAccessGranted(link))
	_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Request approved"})
	return nil
}

// onRejectCallback handles the inline "Reject" button.
func (t *TgBot) onRejectCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	chatId := cq.From.Id

	if !t.isAdmin(chatId) {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Admin access required", ShowAlert: true})
		return nil
	}

	idStr := strings.TrimPrefix(cq.Data, cbReject)
	requestId, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Invalid request ID"})
		return nil
	}

	request, err := t.engine.Reject(context.Background(), requestId)
	if errors.Is(err, provision.ErrAlreadyProcessed) {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Already decided"})
		t.resolveCard(cq, "already decided")
		return nil
	}
	if errors.Is(err, provision.ErrNotFound) {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Request not found"})
		return nil
	}
	if err != nil {
		t.reportError(chatId, "reject:callback", err)
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Error occurred"})
		return nil
	}

	t.resolveCard(cq, "✗ rejected")
	t.plainResponse(request.TelegramID, "Your request was declined\\.")
	_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Request rejected"})
	return nil
}

// resolveCard replaces the card's buttons with the decision outcome.
func (t *TgBot) resolveCard(cq *tgbotapi.CallbackQuery, outcome string) {
	msg := cq.Message
	if msg == nil {
		return
	}
	if im, ok := msg.(tgbotapi.Message); ok {
		_, _, _ = t.api.EditMessageText(
			fmt.Sprintf("%s\n\n%s by %d", im.Text, outcome, cq.From.Id),
			&tgbotapi.EditMessageTextOpts{
				ChatId:    im.Chat.Id,
				MessageId: im.MessageId,
			},
		)
	}
}

package bot

import (
	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
)

// Per-role command lists for Telegram's menu button (the "/" icon in the chat
// input). Regular users get the default menu; the configured admins get the
// full set via BotCommandScopeChat on startup.

var commandsUser = []tgbotapi.BotCommand{
	{Command: "start", Description: "Request proxy access"},
	{Command: "link", Description: "Show your connection link"},
	{Command: "help", Description: "Show available commands"},
}

var commandsAdmin = []tgbotapi.BotCommand{
	{Command: "start", Description: "Request proxy access"},
	{Command: "link", Description: "Show your connection link"},
	{Command: "pending", Description: "List pending requests"},
	{Command: "approve", Description: "Approve a request"},
	{Command: "reject", Description: "Reject a request"},
	{Command: "create", Description: "Provision a user directly"},
	{Command: "delete", Description: "Revoke user access"},
	{Command: "users", Description: "List active users"},
	{Command: "invite", Description: "Create an invite token"},
	{Command: "tokens", Description: "List invite tokens"},
	{Command: "service", Description: "Control the proxy service"},
	{Command: "help", Description: "Show available commands"},
}

// setDefaultCommands sets the default bot menu shown to everyone.
func (t *TgBot) setDefaultCommands() {
	_, err := t.api.SetMyCommands(commandsUser, &tgbotapi.SetMyCommandsOpts{
		Scope: tgbotapi.BotCommandScopeDefault{},
	})
	if err != nil {
		t.log.Warn("setting default commands", "error", err)
	}
}

// syncAdminMenus sets the admin command menu for every configured admin chat.
func (t *TgBot) syncAdminMenus() {
	for _, chatId := range t.config.AdminIds {
		_, err := t.api.SetMyCommands(commandsAdmin, &tgbotapi.SetMyCommandsOpts{
			Scope: tgbotapi.BotCommandScopeChat{ChatId: chatId},
		})
		if err != nil {
			t.log.Warn("setting admin commands", "chat_id", chatId, "error", err)
		}
	}
}

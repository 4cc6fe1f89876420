// Package bot implements the Telegram front end of the proxy access manager.
//
// Architecture overview:
//   - tgbot.go     — TgBot struct, lifecycle (Start/Stop), Provisioner interface
//   - commands.go  — User-facing commands: /start, /link, /help
//   - admin.go     — Admin commands: /approve, /reject, /create, /delete, /users, /invite, /tokens, /service
//   - callbacks.go — Inline approve/reject buttons on pending-request cards
//   - menus.go     — Per-role command menus via Telegram's BotCommandScope API
//   - format.go    — MarkdownV2 rendering of requests, user pages and tokens
//   - notify.go    — Admin notification fan-out, also fed by the slog handler
//   - helpers.go   — Shared utilities: Sanitize, plainResponse, reportError
//
// Admins are fixed in the YAML config (admin_ids); there is no role
// escalation through the bot. Everyone else interacts only with /start,
// /link and /help.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"

	"telemtadm/entity"
	"telemtadm/lib/sl"
)

// BotConfig holds Telegram-specific configuration loaded from the YAML config file.
type BotConfig struct {
	AdminIds      []int64
	UsersPageSize int64
}

// Provisioner is the engine surface the bot drives.
// Implemented by internal/provision.
type Provisioner interface {
	Register(ctx context.Context, telegramID int64, username, displayName string) (*entity.RegisterResult, error)
	RedeemToken(ctx context.Context, code string, telegramID int64, username, displayName string) (*entity.RegisterResult, error)
	Approve(ctx context.Context, requestID int64) (*entity.RegistrationRequest, string, error)
	Reject(ctx context.Context, requestID int64) (*entity.RegistrationRequest, error)
	CreateDirect(ctx context.Context, telegramID int64, username string) (*entity.RegistrationRequest, string, error)
	Deactivate(ctx context.Context, telegramID int64) (bool, error)
	AccessLink(ctx context.Context, telegramID int64) (string, error)
	CreateToken(ctx context.Context, params entity.TokenParams) (*entity.InviteToken, error)
	ListTokens(ctx context.Context) ([]*entity.InviteToken, error)
	ActiveUsers(ctx context.Context, offset, limit int64) ([]*entity.RegistrationRequest, int64, error)
	PendingRequests(ctx context.Context) ([]*entity.RegistrationRequest, error)
}

// ServiceControl runs whitelisted systemctl verbs against the proxy unit.
// Implemented by internal/service.
type ServiceControl interface {
	Run(ctx context.Context, action string) (string, error)
}

// TgBot is the central Telegram bot instance. It holds no user state of its
// own; every command goes straight to the engine.
type TgBot struct {
	log     *slog.Logger
	api     *tgbotapi.Bot
	engine  Provisioner
	service ServiceControl
	updater *ext.Updater
	config  BotConfig
}

func NewTgBot(apiKey string, engine Provisioner, service ServiceControl, log *slog.Logger, cfg BotConfig) (*TgBot, error) {
	if cfg.UsersPageSize == 0 {
		cfg.UsersPageSize = 10
	}

	tgBot := &TgBot{
		log:     log.With(sl.Module("tgbot")),
		engine:  engine,
		service: service,
		config:  cfg,
	}

	api, err := tgbotapi.NewBot(apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating api instance: %v", err)
	}
	tgBot.api = api

	return tgBot, nil
}

func (t *TgBot) Start() error {
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(b *tgbotapi.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			t.log.Error("handling update:", sl.Err(err))
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	t.updater = ext.NewUpdater(dispatcher, nil)

	// User commands
	dispatcher.AddHandler(handlers.NewCommand("start", t.start))
	dispatcher.AddHandler(handlers.NewCommand("link", t.link))
	dispatcher.AddHandler(handlers.NewCommand("help", t.help))

	// Admin commands
	dispatcher.AddHandler(handlers.NewCommand("approve", t.approveCmd))
	dispatcher.AddHandler(handlers.NewCommand("reject", t.rejectCmd))
	dispatcher.AddHandler(handlers.NewCommand("create", t.createCmd))
	dispatcher.AddHandler(handlers.NewCommand("delete", t.deleteCmd))
	dispatcher.AddHandler(handlers.NewCommand("users", t.usersCmd))
	dispatcher.AddHandler(handlers.NewCommand("pending", t.pendingCmd))
	dispatcher.AddHandler(handlers.NewCommand("invite", t.inviteCmd))
	dispatcher.AddHandler(handlers.NewCommand("tokens", t.tokensCmd))
	dispatcher.AddHandler(handlers.NewCommand("service", t.serviceCmd))

	// Callback query handlers
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbApprove), t.onApproveCallback))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbReject), t.onRejectCallback))

	// Set default bot command menu and per-admin menus
	t.setDefaultCommands()
	t.syncAdminMenus()

	err := t.updater.StartPolling(t.api, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &tgbotapi.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &tgbotapi.RequestOpts{
				Timeout: time.Second * 10,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start polling: %w", err)
	}

	t.updater.Idle()
	return nil
}

func (t *TgBot) Stop() {
	if t.updater != nil {
		t.log.Info("stopping telegram bot")
		t.updater.Stop()
	}
}

func (t *TgBot) isAdmin(chatId int64) bool {
	for _, id := range t.config.AdminIds {
		if id == chatId {
			return true
		}
	}
	return false
}

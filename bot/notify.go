package bot

import (
	"log/slog"
)

// notifyAdmins fans a message out to every configured admin chat.
func (t *TgBot) notifyAdmins(msg string) {
	for _, id := range t.config.AdminIds {
		t.plainResponse(id, msg)
	}
}

// SendMessageWithLevel delivers a log record rendered by the slog handler to
// the admins. Only warnings and errors are forwarded; everything below stays
// in the log file.
func (t *TgBot) SendMessageWithLevel(msg string, level slog.Level) {
	if level < slog.LevelWarn {
		return
	}
	t.notifyAdmins(msg)
}

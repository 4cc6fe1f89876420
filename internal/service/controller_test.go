package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunRefusesUnknownActions(t *testing.T) {
	c := New("telemt.service", slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, action := range []string{"", "enable", "daemon-reload", "restart; rm -rf /", "status extra"} {
		_, err := c.Run(context.Background(), action)
		assert.Error(t, err, "action %q must be refused", action)
	}
}

func TestRunNormalizesAction(t *testing.T) {
	c := New("telemt.service", slog.New(slog.NewTextHandler(io.Discard, nil)))

	// already cancelled context: the whitelist check must still pass and the
	// command must fail fast without output
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, " RESTART ")
	assert.Error(t, err)
	assert.NotContains(t, err.Error(), "unsupported action")
}

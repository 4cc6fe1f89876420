// Package service controls the proxy's systemd unit. Only a fixed set of
// verbs is allowed; the unit name comes from the config and is never taken
// from user input.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"telemtadm/lib/sl"
)

const commandTimeout = 15 * time.Second

var allowedActions = map[string]bool{
	"start":   true,
	"stop":    true,
	"restart": true,
	"status":  true,
}

type Controller struct {
	unit string
	log  *slog.Logger
}

func New(unit string, log *slog.Logger) *Controller {
	return &Controller{
		unit: unit,
		log:  log.With(sl.Module("service")),
	}
}

// Run executes a systemctl verb against the configured unit and returns the
// combined output. Unknown verbs are refused before anything is executed.
func (c *Controller) Run(ctx context.Context, action string) (string, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if !allowedActions[action] {
		return "", fmt.Errorf("unsupported action: %s", action)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "systemctl", action, c.unit)
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))

	// systemctl status exits non-zero for inactive units; the output is
	// still the answer the caller wants
	if err != nil && action != "status" {
		c.log.With(
			slog.String("action", action),
			slog.String("unit", c.unit),
			sl.Err(err),
		).Error("systemctl failed")
		if text == "" {
			return "", fmt.Errorf("systemctl %s %s: %w", action, c.unit, err)
		}
		return text, fmt.Errorf("systemctl %s %s: %w", action, c.unit, err)
	}

	c.log.With(
		slog.String("action", action),
		slog.String("unit", c.unit),
	).Info("service command executed")
	return text, nil
}

// Actions lists the verbs Run accepts, for help texts.
func Actions() []string {
	return []string{"status", "start", "stop", "restart"}
}

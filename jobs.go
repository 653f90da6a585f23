package main

import (
	"fmt"

	"github.com/bodyast/logManager/internal/auth"
	"github.com/bodyast/logManager/internal/logstream"
	"github.com/bodyast/logManager/internal/realtime"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// maintenance is the periodic housekeeping run by the scheduler.
type maintenance struct {
	revoked  *auth.RevocationList
	registry *logstream.Registry
	gateway  *realtime.Gateway
	logger   *zap.Logger
}

// run drops expired token revocations and reports live sessions.
func (m *maintenance) run() {
	removed := m.revoked.Cleanup()
	clients := 0
	if m.gateway != nil {
		clients = m.gateway.Clients()
	}
	m.logger.Info("maintenance",
		zap.Int("revocations_expired", removed),
		zap.Int("revocations_active", m.revoked.Len()),
		zap.Int("stream_sessions", m.registry.Len()),
		zap.Int("stream_connecting", m.registry.Pending()),
		zap.Int("ws_clients", clients))
}

func newScheduler(schedule string, m *maintenance) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, m.run); err != nil {
		return nil, fmt.Errorf("schedule maintenance %q: %w", schedule, err)
	}
	return c, nil
}

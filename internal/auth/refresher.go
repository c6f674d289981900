package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// checkTimeout bounds a single background freshness check.
const checkTimeout = 30 * time.Second

// Start launches the periodic freshness check. Each tick goes through the
// same coalesced path as CurrentToken, so foreground callers are not blocked
// by an already expired token under normal operation. Calling Start twice
// is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	go m.checkLoop(ctx, m.stopCh)
}

// Stop halts the periodic check.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if !m.running {
		return
	}

	close(m.stopCh)
	m.running = false
}

// checkLoop runs until ctx is done or stopCh is closed.
func (m *Manager) checkLoop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Manager) checkOnce(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if _, err := m.CurrentToken(checkCtx); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Debug("background token check", zap.Error(err))
	}
}

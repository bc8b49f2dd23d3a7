package network

import (
	"context"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
)

// Prober answers "is the backend process responding", which is a different
// question from the monitor's "is the device on a network": a present network
// with the backend in maintenance must not look the same as airplane mode.
type Prober struct {
	backend remote.Backend
	monitor *Monitor
	timeout time.Duration
}

func NewProber(backend remote.Backend, monitor *Monitor, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{
		backend: backend,
		monitor: monitor,
		timeout: timeout,
	}
}

// IsBackendResponsive issues the backend's cheap liveness query under a short
// timeout. A definitive rejection (permission, policy) still proves the
// backend answered, so it counts as responsive; only a timeout or
// network-level failure does not.
func (p *Prober) IsBackendResponsive(ctx context.Context) bool {
	if !p.monitor.IsOnline() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.backend.Ping(ctx)
	if err == nil {
		return true
	}
	if remote.IsRejected(err) {
		return true
	}

	logger.Log.Debug("Backend probe failed", zap.Error(err))
	return false
}

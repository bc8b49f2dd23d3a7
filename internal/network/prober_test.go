package network

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/remote"
)

type stubBackend struct {
	pingErr error
}

func (s *stubBackend) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubBackend) Insert(ctx context.Context, table string, row map[string]any) error {
	return nil
}

func (s *stubBackend) Update(ctx context.Context, table, id string, patch map[string]any) error {
	return nil
}

func (s *stubBackend) Delete(ctx context.Context, table, id string) error { return nil }

func (s *stubBackend) SelectAll(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	return nil, nil
}

func (s *stubBackend) Close() error { return nil }

func onlineMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := NewMonitor(config.NetworkConfig{})
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestProberResponsiveBackend(t *testing.T) {
	p := NewProber(&stubBackend{}, onlineMonitor(t), time.Second)
	assert.True(t, p.IsBackendResponsive(context.Background()))
}

func TestProberRejectionStillCountsAsResponsive(t *testing.T) {
	// A permission error proves the backend process answered.
	backend := &stubBackend{pingErr: &remote.RejectedError{
		Op: "ping", Err: errors.New("permission denied"),
	}}
	p := NewProber(backend, onlineMonitor(t), time.Second)
	assert.True(t, p.IsBackendResponsive(context.Background()))
}

func TestProberUnreachableBackend(t *testing.T) {
	backend := &stubBackend{pingErr: fmt.Errorf("%w: dial tcp: i/o timeout", remote.ErrUnreachable)}
	p := NewProber(backend, onlineMonitor(t), time.Second)
	assert.False(t, p.IsBackendResponsive(context.Background()))
}

func TestProberShortCircuitsWhenDeviceOffline(t *testing.T) {
	m := onlineMonitor(t)
	m.SetForcedOffline(true)

	p := NewProber(&stubBackend{}, m, time.Second)
	assert.False(t, p.IsBackendResponsive(context.Background()))
}

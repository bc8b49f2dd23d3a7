package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// Scheduler drives periodic bidirectional syncs. Per-table coalescing in the
// syncer means an interval firing while a run is active is a no-op for that
// table.
type Scheduler struct {
	cfg     config.SchedulerConfig
	service *Service
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, service *Service) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		service: service,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerSync()
	})
	if err != nil {
		logger.Log.Error("Failed to schedule sync job", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	if !s.service.monitor.IsOnline() {
		logger.Log.Debug("Skipping scheduled sync, device offline")
		return
	}

	logger.Log.Info("Triggering scheduled sync")
	res := s.service.SyncAll(context.Background())
	if !res.Success {
		logger.Log.Warn("Scheduled sync finished with errors",
			zap.Strings("errors", res.Errors))
	}
}

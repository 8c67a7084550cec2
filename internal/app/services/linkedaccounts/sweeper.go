package linkedaccounts

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/unitool-ai/unitool/pkg/logger"
)

// Sweeper periodically refreshes OAuth2 tokens that will expire soon, so
// executions rarely pay the refresh latency inline.
type Sweeper struct {
	service  *Service
	schedule string
	horizon  time.Duration
	cron     *cron.Cron
	log      *logger.Logger
}

// NewSweeper builds a sweeper. schedule is a cron expression; empty defaults
// to every 15 minutes. horizon is how far ahead of expiry tokens are
// renewed; zero defaults to 30 minutes.
func NewSweeper(service *Service, schedule string, horizon time.Duration, log *logger.Logger) *Sweeper {
	if schedule == "" {
		schedule = "*/15 * * * *"
	}
	if horizon <= 0 {
		horizon = 30 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("token-sweeper")
	}
	return &Sweeper{service: service, schedule: schedule, horizon: horizon, log: log}
}

// Name implements system.Service.
func (s *Sweeper) Name() string { return "token-sweeper" }

// Start schedules the sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.service.RefreshExpiring(sweepCtx, s.horizon); err != nil {
			s.log.WithError(err).Warn("token refresh sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Infof("token sweeper started, schedule %q, horizon %s", s.schedule, s.horizon)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

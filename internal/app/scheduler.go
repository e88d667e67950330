/**
 * @description
 * Cron scheduler setup for the custody audit.
 */
package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	auditor  *CustodyAuditor
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance. An empty schedule disables the audit.
func NewScheduler(auditor *CustodyAuditor, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		auditor:  auditor,
		logger:   logger,
		schedule: strings.TrimSpace(schedule),
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.logger.Info("custody audit job disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.auditor.RunCustodyAudit); err != nil {
		s.logger.Error("failed to schedule custody audit job", "error", err)
		return err
	}
	s.logger.Info("scheduled custody audit job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

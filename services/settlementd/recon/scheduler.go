package recon

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the auditor on a fixed interval.
type Scheduler struct {
	auditor  *Auditor
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler. Non-positive intervals default to 15
// minutes.
func NewScheduler(auditor *Auditor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{auditor: auditor, interval: interval, logger: logger}
}

// Start runs an audit every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.auditor == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.auditor.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recon: scheduled audit failed", slog.Any("error", err))
			}
		}
	}
}

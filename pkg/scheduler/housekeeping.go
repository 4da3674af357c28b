package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pool_validator/pkg/config"
	"pool_validator/pkg/utils"
)

const (
	JobRotateLogs       = "rotate-logs"
	JobPruneSubmissions = "prune-submissions"
)

// Pruner deletes weight submissions older than a cutoff
type Pruner interface {
	PruneSubmissions(ctx context.Context, before time.Time) (int64, error)
}

// ScheduleHousekeeping registers log rotation and submission pruning.
// An empty logPath or a nil pruner skips the matching job.
func (s *Scheduler) ScheduleHousekeeping(cfg *config.SchedConfig, logPath string, pruner Pruner) error {
	if logPath != "" && cfg.LogRotation != "" {
		err := s.Schedule(&Job{
			ID:       JobRotateLogs,
			Name:     "Rotate log files",
			Schedule: cfg.LogRotation,
			Run: func(context.Context) error {
				return utils.RotateLogs(logPath)
			},
		})
		if err != nil {
			return fmt.Errorf("scheduling log rotation: %w", err)
		}
	}

	if pruner != nil && cfg.PruneSchedule != "" && cfg.SubmissionRetention > 0 {
		retention := cfg.SubmissionRetention
		err := s.Schedule(&Job{
			ID:         JobPruneSubmissions,
			Name:       "Prune old weight submissions",
			Schedule:   cfg.PruneSchedule,
			MaxRetries: 2,
			Run: func(ctx context.Context) error {
				n, err := pruner.PruneSubmissions(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				s.logger.Info("Pruned weight submissions", zap.Int64("deleted", n))
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("scheduling submission pruning: %w", err)
		}
	}

	return nil
}

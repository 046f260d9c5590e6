package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/reconciler"
)

const (
	JobReconcile    = "reconcile_tasks"
	JobExpireLogins = "expire_pending_logins"
	JobPruneLimits  = "prune_rate_limits"
)

// OwnerSyncer reconciles every owner with active tasks
type OwnerSyncer interface {
	SyncOwners(ctx context.Context) (reconciler.Summary, error)
}

// LoginExpirer ends pending logins older than ttl
type LoginExpirer interface {
	ExpirePending(ctx context.Context, ttl time.Duration) (int, error)
}

// LimitPruner drops idle rate limit buckets
type LimitPruner interface {
	Prune(idle time.Duration) int
}

// Maintenance schedules the standard jobs
type Maintenance struct {
	Syncer       OwnerSyncer
	PollInterval time.Duration
	Expirer      LoginExpirer
	LoginTTL     time.Duration
	Limits       LimitPruner
}

// Register adds every job whose dependency is set
func (m Maintenance) Register(s *Scheduler, logger zerolog.Logger) error {
	if m.Syncer != nil {
		err := s.RegisterJob(JobReconcile, Every(m.PollInterval), func(ctx context.Context) error {
			summary, err := m.Syncer.SyncOwners(ctx)
			if err != nil {
				return err
			}
			if summary.NewlyTerminal > 0 || summary.Errors > 0 {
				logger.Info().
					Int("checked", summary.Checked).
					Int("newly_terminal", summary.NewlyTerminal).
					Int("errors", summary.Errors).
					Msg("Reconciliation pass")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if m.Expirer != nil {
		// Check a few times per TTL so a login never outlives it by much
		every := m.LoginTTL / 4
		if every < time.Minute {
			every = time.Minute
		}
		err := s.RegisterJob(JobExpireLogins, Every(every), func(ctx context.Context) error {
			n, err := m.Expirer.ExpirePending(ctx, m.LoginTTL)
			if n > 0 {
				logger.Info().Int("expired", n).Msg("Expired pending logins")
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	if m.Limits != nil {
		err := s.RegisterJob(JobPruneLimits, "@hourly", func(ctx context.Context) error {
			m.Limits.Prune(2 * time.Hour)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

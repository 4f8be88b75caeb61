package scheduler

import (
	"context"
	"time"
)

// Job names.
const (
	JobPurgeMarks    = "purge_marks"
	JobPruneActivity = "prune_activity"
)

// MarkPurger drops expired anti-repetition marks.
type MarkPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ActivityPruner deletes activity records started before a cutoff.
type ActivityPruner interface {
	PruneActivity(ctx context.Context, before time.Time) (int64, error)
}

// Maintenance describes the standard jobs.
type Maintenance struct {
	PurgeMarks        string
	PruneActivity     string
	ActivityRetention time.Duration
}

// AddMaintenance registers the standard jobs on s.
func AddMaintenance(s *Scheduler, m Maintenance, marks MarkPurger, activity ActivityPruner) error {
	if err := s.Add(JobPurgeMarks, m.PurgeMarks, marks.PurgeExpired); err != nil {
		return err
	}
	retention := m.ActivityRetention
	if retention <= 0 {
		retention = 720 * time.Hour
	}
	return s.Add(JobPruneActivity, m.PruneActivity, func(ctx context.Context) (int64, error) {
		return activity.PruneActivity(ctx, time.Now().Add(-retention))
	})
}

package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DailyRunner periodically rematerializes today's DailyMetric row for
// every tracked Profile from already-persisted Snapshot and Reel
// history, independently of any single tracking Job. It obeys the same
// today-only update rule as the main pipeline's roll-up.
//
// Grounded on the teacher's pkg/tasks/mentions/processor.go periodic-
// task shape.
type DailyRunner struct {
	pipeline *Pipeline
	store    Store
	logger   *logrus.Logger
	now      func() time.Time
}

// NewDailyRunner builds a DailyRunner sharing a Pipeline's roll-up logic
// and clock.
func NewDailyRunner(p *Pipeline, logger *logrus.Logger) *DailyRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &DailyRunner{pipeline: p, store: p.store, logger: logger, now: p.now}
}

// RunOnce walks every tracked Profile and refreshes its today row.
func (r *DailyRunner) RunOnce(ctx context.Context) error {
	profiles, err := r.store.ListAllProfiles(ctx)
	if err != nil {
		return err
	}

	now := r.now()
	today := truncateToDate(now)

	for i := range profiles {
		profile := &profiles[i]
		log := r.logger.WithFields(logrus.Fields{"profile_id": profile.ID, "username": profile.Username})

		recent, err := r.store.GetRecentSnapshots(ctx, profile.ID, 1)
		if err != nil || len(recent) == 0 {
			log.Debug("no snapshot history yet, skipping daily refresh")
			continue
		}
		snapshot := &recent[0]

		reels, err := r.store.GetReelsUpdatedOn(ctx, profile.ID, today)
		if err != nil {
			log.WithError(err).Warn("failed to load today's reel refreshes")
			continue
		}
		var agg reelAggregate
		for _, reel := range reels {
			agg.ViewsDelta += clampPositive(reel.ViewsDelta)
			agg.LikesDelta += clampPositive(reel.LikesDelta)
			agg.CommentsDelta += clampPositive(reel.CommentsDelta)
		}

		if err := r.pipeline.rollupDaily(ctx, profile, snapshot, agg, false, now); err != nil {
			log.WithError(err).Warn("daily refresh roll-up failed")
		}
	}
	return nil
}

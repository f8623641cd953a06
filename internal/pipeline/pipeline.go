// Package pipeline implements the Tracking Pipeline: the dispatched unit
// for one Queue Job. It scrapes a profile, resolves the Profile row,
// computes snapshot/delta history, reconciles the reel set, and
// materializes the daily roll-up.
//
// Grounded on the teacher's pkg/agent task composition (Task interface,
// TaskType, initializeTasks), generalized from "mention task" to
// "tracking job pipeline", and on pkg/memory/tweet_store.go's
// upsert-with-clause.OnConflict pattern for the Store Gateway calls this
// pipeline drives.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/queue"
	"github.com/socialpulse/trackerd/internal/scraper"
	"github.com/socialpulse/trackerd/internal/store/models"
	"github.com/socialpulse/trackerd/internal/trackererrors"
)

// sessionEpsilon compensates for clock skew between the session-open
// write and the first snapshot write.
const sessionEpsilon = time.Second

const defaultReelWorkingSetSize = 12
const defaultReelFetchDelay = 2 * time.Second

// Result is what a completed Job resolves its Future with.
type Result struct {
	Profile  *models.Profile
	Snapshot *models.Snapshot
}

// Store is the subset of store.Gateway the Pipeline and DailyRunner
// drive. Declared here, satisfied structurally by *store.Gateway, so
// tests can substitute a fake without the pipeline package importing
// anything gorm- or postgres-specific.
type Store interface {
	GetProfileByTrackingID(ctx context.Context, trackingID string) (*models.Profile, error)
	GetProfileByHandle(ctx context.Context, platform models.Platform, username string, ownerUserID *string) (*models.Profile, error)
	CreateProfile(ctx context.Context, p *models.Profile) error
	SaveProfile(ctx context.Context, p *models.Profile) error
	UpdateProfileLastSnapshot(ctx context.Context, profileID, snapshotID uint) error
	ListAllProfiles(ctx context.Context) ([]models.Profile, error)

	InsertSnapshot(ctx context.Context, s *models.Snapshot) error
	GetRecentSnapshots(ctx context.Context, profileID uint, limit int) ([]models.Snapshot, error)

	InsertDelta(ctx context.Context, d *models.Delta) error

	GetDailyMetric(ctx context.Context, profileID uint, date time.Time) (*models.DailyMetric, error)
	InsertDailyMetric(ctx context.Context, dm *models.DailyMetric) error
	UpdateDailyMetricForToday(ctx context.Context, profileID uint, today time.Time, fields map[string]interface{}) error
	GetLatestDailyMetric(ctx context.Context, profileID uint, cutoff time.Time) (*models.DailyMetric, error)

	GetReel(ctx context.Context, profileID uint, shortcode string) (*models.Reel, error)
	GetExistingShortcodes(ctx context.Context, profileID uint, shortcodes []string) ([]string, error)
	GetLatestReels(ctx context.Context, profileID uint, limit int) ([]models.Reel, error)
	UpsertReel(ctx context.Context, r *models.Reel) error
	GetReelsUpdatedOn(ctx context.Context, profileID uint, date time.Time) ([]models.Reel, error)
	InsertReelMetric(ctx context.Context, rm *models.ReelMetric) error

	UpsertReply(ctx context.Context, r *models.Reply) error
}

// Pipeline drives one Job end to end.
type Pipeline struct {
	store   Store
	clients map[models.Platform]scraper.Client
	logger  *logrus.Logger

	reelWorkingSetSize int
	reelFetchDelay     time.Duration
	now                func() time.Time
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithReelWorkingSetSize overrides the default 12-reel working set.
func WithReelWorkingSetSize(n int) Option {
	return func(p *Pipeline) { p.reelWorkingSetSize = n }
}

// WithReelFetchDelay overrides the default 2s per-detail-call politeness
// delay.
func WithReelFetchDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.reelFetchDelay = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a Pipeline. clients maps each supported platform to its
// scraper.Client implementation.
func New(gw Store, clients map[models.Platform]scraper.Client, logger *logrus.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Pipeline{
		store:              gw,
		clients:            clients,
		logger:             logger,
		reelWorkingSetSize: defaultReelWorkingSetSize,
		reelFetchDelay:     defaultReelFetchDelay,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one Job. Its signature matches queue.RunFunc once wrapped
// in a closure that upcasts *Result to interface{}; Pipeline deliberately
// does not implement queue.RunFunc directly so internal/queue never
// needs to import internal/pipeline.
func (p *Pipeline) Run(ctx context.Context, job queue.Job) (*Result, error) {
	platform := models.Platform(job.Target.Platform)
	client, ok := p.clients[platform]
	if !ok {
		return nil, trackererrors.New("Run", trackererrors.Fatal, fmt.Errorf("no scraper client configured for platform %q", platform))
	}

	log := p.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"platform": platform,
		"username": job.Target.Username,
	})

	// Step 1: scrape profile. Any error (including RateLimited) propagates
	// so the Queue can decide whether to re-queue.
	profileData, err := client.FetchProfile(ctx, job.Target.Username)
	if err != nil {
		return nil, err
	}

	// Step 2: resolve the Profile row.
	profile, err := p.resolveProfile(ctx, platform, job.Target.Username, job.TrackingID, job.UserID)
	if err != nil {
		return nil, err
	}

	// Step 3: determine the baseline snapshot. An explicit tracking-id on
	// this call means session-reset semantics: the baseline is null so
	// every delta is computed only within this session.
	var baseline *models.Snapshot
	if job.TrackingID == "" {
		baseline, err = p.determineBaseline(ctx, profile.ID)
		if err != nil {
			return nil, err
		}
	}

	now := p.now()

	// Step 4: insert the new Snapshot.
	snapshot := &models.Snapshot{
		ProfileID:  profile.ID,
		Followers:  int64(profileData.Followers),
		Following:  int64(profileData.Following),
		MediaCount: int64(profileData.MediaCount),
		ReelCount:  int64(profileData.ReelCount),
		Biography:  profileData.Biography,
		AvatarURL:  profileData.AvatarURL,
		RawPayload: string(profileData.RawPayload),
		CapturedAt: now,
	}
	if err := p.store.InsertSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	// Step 5: update Profile.last_snapshot_id.
	if err := p.store.UpdateProfileLastSnapshot(ctx, profile.ID, snapshot.ID); err != nil {
		log.WithError(err).Warn("failed to update profile last_snapshot_id")
	}

	// Step 6: write the Delta, only if a baseline exists.
	if baseline != nil {
		delta := &models.Delta{
			ProfileID:      profile.ID,
			BaseID:         baseline.ID,
			CompareID:      snapshot.ID,
			FollowersDiff:  snapshot.Followers - baseline.Followers,
			FollowingDiff:  snapshot.Following - baseline.Following,
			MediaCountDiff: snapshot.MediaCount - baseline.MediaCount,
			ReelCountDiff:  snapshot.ReelCount - baseline.ReelCount,
		}
		if err := p.store.InsertDelta(ctx, delta); err != nil {
			log.WithError(err).Warn("failed to write delta")
		}
	}

	// Steps 7-9: reel enumeration, reconciliation, per-reel persistence.
	reelAgg, err := p.reconcileReels(ctx, client, profile, profileData, log)
	if err != nil {
		log.WithError(err).Warn("reel reconciliation failed for this run, snapshot counts still recorded")
		reelAgg = reelAggregate{}
	}

	// Step 10: daily roll-up.
	if err := p.rollupDaily(ctx, profile, snapshot, reelAgg, job.TrackingID != "", now); err != nil {
		log.WithError(err).Warn("daily roll-up failed for this run")
	}

	log.Info("tracking job completed")
	return &Result{Profile: profile, Snapshot: snapshot}, nil
}

// resolveProfile implements step 2's conflict-resolution rules.
func (p *Pipeline) resolveProfile(ctx context.Context, platform models.Platform, username, trackingID string, userID *string) (*models.Profile, error) {
	now := p.now()

	if trackingID != "" {
		existing, err := p.store.GetProfileByTrackingID(ctx, trackingID)
		if err != nil && !trackererrors.Is(err, trackererrors.NotFound) {
			return nil, err
		}
		if err == nil && existing.Username == username && existing.Platform == platform {
			// Continuing the session already opened under this tracking-id:
			// the row is returned unchanged; its display fields are not
			// refreshed from the scrape and updated_at is not bumped.
			return existing, nil
		}
		// Either no row under this tracking-id, or it belongs to a
		// different handle (caller error or stale client state): fall
		// through to handle-based resolution, aligning the tracking-id
		// onto whatever row results.
		byHandle, err := p.store.GetProfileByHandle(ctx, platform, username, userID)
		if err != nil && !trackererrors.Is(err, trackererrors.NotFound) {
			return nil, err
		}
		if err == nil {
			byHandle.TrackingID = trackingID
			byHandle.UpdatedAt = now
			if err := p.store.SaveProfile(ctx, byHandle); err != nil {
				return nil, err
			}
			return byHandle, nil
		}
		// Owned by a different user, or truly new: either way nothing is
		// scoped to this (platform, username, owner), so create fresh.
		fresh := &models.Profile{
			Platform:     platform,
			Username:     username,
			OwningUserID: userID,
			TrackingID:   trackingID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := p.store.CreateProfile(ctx, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	}

	// No tracking-id supplied: look up by (platform, username, owning
	// user) and return that row unchanged, or create one with a freshly
	// minted tracking-id. A row for the same handle owned by a different
	// user (or by any user, when userID is nil) is not matched.
	byHandle, err := p.store.GetProfileByHandle(ctx, platform, username, userID)
	if err != nil && !trackererrors.Is(err, trackererrors.NotFound) {
		return nil, err
	}
	if err == nil {
		return byHandle, nil
	}

	fresh := &models.Profile{
		Platform:     platform,
		Username:     username,
		OwningUserID: userID,
		TrackingID:   uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.CreateProfile(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// determineBaseline implements the "second-most-recent snapshot" rule.
// It runs before the new snapshot is inserted, so it sees only prior
// snapshots: with two or more it returns the second-most-recent (skipping
// the previous run's snapshot), with one it returns that one, with none
// it returns nil.
func (p *Pipeline) determineBaseline(ctx context.Context, profileID uint) (*models.Snapshot, error) {
	recent, err := p.store.GetRecentSnapshots(ctx, profileID, 2)
	if err != nil {
		return nil, err
	}
	switch len(recent) {
	case 0:
		return nil, nil
	case 1:
		return &recent[0], nil
	default:
		return &recent[1], nil
	}
}

// sessionStart is the Profile.updated_at - epsilon boundary session-
// scoped reads and the daily roll-up's "same session" check use.
func sessionStart(profile *models.Profile) time.Time {
	return profile.UpdatedAt.Add(-sessionEpsilon)
}

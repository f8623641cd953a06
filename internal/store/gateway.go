// Package store implements the Store Gateway: the typed persistence
// operations the Tracking Pipeline drives, backed by gorm/postgres. It
// enforces the append-only and per-day isolation invariants of the data
// model rather than trusting callers to write safe SQL, following the
// teacher's pkg/memory/tweet_store.go upsert-via-clause.OnConflict idiom.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/socialpulse/trackerd/internal/store/models"
	"github.com/socialpulse/trackerd/internal/trackererrors"
)

// Gateway is the persistence boundary used by the tracking pipeline.
type Gateway struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open connects to postgres, runs pending migrations, auto-migrates the
// gorm models (a safety net alongside the SQL DDL — the DDL remains the
// source of truth for production schema changes, matching the teacher's
// db.SetupDatabase which does both), and returns a ready Gateway.
func Open(dsn, migrationsURL string, logger *logrus.Logger) (*Gateway, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if err := RunMigrations(logger, migrationsURL); err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogrusLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Profile{}, &models.Snapshot{}, &models.Delta{},
		&models.DailyMetric{}, &models.Reel{}, &models.ReelMetric{}, &models.Reply{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrating schema: %w", err)
	}

	return &Gateway{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Profile ---

// GetProfileByTrackingID looks up a Profile by its caller-scoped session
// identifier.
func (g *Gateway) GetProfileByTrackingID(ctx context.Context, trackingID string) (*models.Profile, error) {
	var p models.Profile
	err := g.db.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&p).Error
	if err != nil {
		return nil, classify("GetProfileByTrackingID", err)
	}
	return &p, nil
}

// GetProfileByHandle looks up a Profile by (platform, username,
// owning_user_id). ownerUserID may be nil to match trackings with no
// owning end-user.
func (g *Gateway) GetProfileByHandle(ctx context.Context, platform models.Platform, username string, ownerUserID *string) (*models.Profile, error) {
	q := g.db.WithContext(ctx).Where("platform = ? AND username = ?", platform, username)
	if ownerUserID == nil {
		q = q.Where("owning_user_id IS NULL")
	} else {
		q = q.Where("owning_user_id = ?", *ownerUserID)
	}

	var p models.Profile
	if err := q.First(&p).Error; err != nil {
		return nil, classify("GetProfileByHandle", err)
	}
	return &p, nil
}

// CreateProfile inserts a brand-new Profile row.
func (g *Gateway) CreateProfile(ctx context.Context, p *models.Profile) error {
	if err := g.db.WithContext(ctx).Create(p).Error; err != nil {
		return classify("CreateProfile", err)
	}
	return nil
}

// SaveProfile persists an existing Profile's mutable fields (display
// name, avatar, bio, tracking-id, updated_at, last_snapshot_id, ...).
func (g *Gateway) SaveProfile(ctx context.Context, p *models.Profile) error {
	if err := g.db.WithContext(ctx).Save(p).Error; err != nil {
		return classify("SaveProfile", err)
	}
	return nil
}

// UpdateProfileLastSnapshot sets Profile.last_snapshot_id after a new
// Snapshot is inserted.
func (g *Gateway) UpdateProfileLastSnapshot(ctx context.Context, profileID, snapshotID uint) error {
	err := g.db.WithContext(ctx).Model(&models.Profile{}).
		Where("id = ?", profileID).
		Update("last_snapshot_id", snapshotID).Error
	if err != nil {
		return classify("UpdateProfileLastSnapshot", err)
	}
	return nil
}

// --- Snapshot / Delta (append-only) ---

// InsertSnapshot appends a new Snapshot row and populates its ID.
func (g *Gateway) InsertSnapshot(ctx context.Context, s *models.Snapshot) error {
	if err := g.db.WithContext(ctx).Create(s).Error; err != nil {
		return classify("InsertSnapshot", err)
	}
	return nil
}

// GetRecentSnapshots returns up to limit Snapshots for profileID, most
// recent (by captured_at, then insertion order) first.
func (g *Gateway) GetRecentSnapshots(ctx context.Context, profileID uint, limit int) ([]models.Snapshot, error) {
	var rows []models.Snapshot
	err := g.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("captured_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, classify("GetRecentSnapshots", err)
	}
	return rows, nil
}

// GetSnapshotsSince returns session-scoped Snapshots: all rows for
// profileID with captured_at >= from.
func (g *Gateway) GetSnapshotsSince(ctx context.Context, profileID uint, from time.Time) ([]models.Snapshot, error) {
	var rows []models.Snapshot
	err := g.db.WithContext(ctx).
		Where("profile_id = ? AND captured_at >= ?", profileID, from).
		Order("captured_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("GetSnapshotsSince", err)
	}
	return rows, nil
}

// InsertDelta appends a new Delta row.
func (g *Gateway) InsertDelta(ctx context.Context, d *models.Delta) error {
	if err := g.db.WithContext(ctx).Create(d).Error; err != nil {
		return classify("InsertDelta", err)
	}
	return nil
}

// GetDeltasSince returns session-scoped Deltas: rows created since from.
func (g *Gateway) GetDeltasSince(ctx context.Context, profileID uint, from time.Time) ([]models.Delta, error) {
	var rows []models.Delta
	err := g.db.WithContext(ctx).
		Where("profile_id = ? AND created_at >= ?", profileID, from).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("GetDeltasSince", err)
	}
	return rows, nil
}

// GetLatestDelta returns the most recently written Delta for profileID,
// used by session-scoped tracking reads when no DailyMetric is fresher.
func (g *Gateway) GetLatestDelta(ctx context.Context, profileID uint) (*models.Delta, error) {
	var d models.Delta
	err := g.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("created_at DESC, id DESC").
		First(&d).Error
	if err != nil {
		return nil, classify("GetLatestDelta", err)
	}
	return &d, nil
}

// --- DailyMetric ---

// GetDailyMetric fetches the row for (profileID, date), if any. date
// must be truncated to a calendar day by the caller.
func (g *Gateway) GetDailyMetric(ctx context.Context, profileID uint, date time.Time) (*models.DailyMetric, error) {
	var dm models.DailyMetric
	err := g.db.WithContext(ctx).
		Where("profile_id = ? AND date = ?", profileID, date).
		First(&dm).Error
	if err != nil {
		return nil, classify("GetDailyMetric", err)
	}
	return &dm, nil
}

// InsertDailyMetric inserts the first row for a (profile, date) pair.
func (g *Gateway) InsertDailyMetric(ctx context.Context, dm *models.DailyMetric) error {
	if err := g.db.WithContext(ctx).Create(dm).Error; err != nil {
		return classify("InsertDailyMetric", err)
	}
	return nil
}

// UpdateDailyMetricForToday updates only the row for (profileID, today);
// the WHERE clause on date pins the statement so a caller can never
// touch a different day's row even by mistake, satisfying the per-day
// isolation invariant at the query level rather than by trust.
func (g *Gateway) UpdateDailyMetricForToday(ctx context.Context, profileID uint, today time.Time, fields map[string]interface{}) error {
	res := g.db.WithContext(ctx).Model(&models.DailyMetric{}).
		Where("profile_id = ? AND date = ?", profileID, today).
		Updates(fields)
	if res.Error != nil {
		return classify("UpdateDailyMetricForToday", res.Error)
	}
	if res.RowsAffected == 0 {
		return trackererrors.New("UpdateDailyMetricForToday", trackererrors.NotFound, gorm.ErrRecordNotFound)
	}
	return nil
}

// GetLatestDailyMetric returns the most recently dated DailyMetric row
// for profileID strictly before cutoff, used by the daily roll-up's
// "reuse the latest known close as open" fallback.
func (g *Gateway) GetLatestDailyMetric(ctx context.Context, profileID uint, cutoff time.Time) (*models.DailyMetric, error) {
	var dm models.DailyMetric
	err := g.db.WithContext(ctx).
		Where("profile_id = ? AND date < ?", profileID, cutoff).
		Order("date DESC").
		First(&dm).Error
	if err != nil {
		return nil, classify("GetLatestDailyMetric", err)
	}
	return &dm, nil
}

// GetDailyMetricsSince returns session-scoped DailyMetric rows updated
// since from.
func (g *Gateway) GetDailyMetricsSince(ctx context.Context, profileID uint, from time.Time) ([]models.DailyMetric, error) {
	var rows []models.DailyMetric
	err := g.db.WithContext(ctx).
		Where("profile_id = ? AND updated_at >= ?", profileID, from).
		Order("date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("GetDailyMetricsSince", err)
	}
	return rows, nil
}

// --- Reel / ReelMetric ---

// GetReel loads the persisted row for (profileID, shortcode), if any.
func (g *Gateway) GetReel(ctx context.Context, profileID uint, shortcode string) (*models.Reel, error) {
	var r models.Reel
	err := g.db.WithContext(ctx).
		Where("profile_id = ? AND shortcode = ?", profileID, shortcode).
		First(&r).Error
	if err != nil {
		return nil, classify("GetReel", err)
	}
	return &r, nil
}

// GetExistingShortcodes filters shortcodes down to the subset already
// persisted for profileID, via a single ANY(array) membership query
// against the candidate set rather than pulling every persisted
// shortcode into application memory, used by reel reconciliation to
// compute new = enumerated - persisted.
func (g *Gateway) GetExistingShortcodes(ctx context.Context, profileID uint, shortcodes []string) ([]string, error) {
	if len(shortcodes) == 0 {
		return nil, nil
	}
	var existing []string
	err := g.db.WithContext(ctx).Model(&models.Reel{}).
		Where("profile_id = ? AND shortcode = ANY(?)", profileID, models.ShortcodeSet(shortcodes)).
		Pluck("shortcode", &existing).Error
	if err != nil {
		return nil, classify("GetExistingShortcodes", err)
	}
	return existing, nil
}

// GetLatestReels returns the most recently persisted reels for a
// profile, newest taken_at first, capped at limit.
func (g *Gateway) GetLatestReels(ctx context.Context, profileID uint, limit int) ([]models.Reel, error) {
	var rows []models.Reel
	err := g.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("taken_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, classify("GetLatestReels", err)
	}
	return rows, nil
}

// UpsertReel inserts or updates the current-value row on (profile,
// shortcode), grounded on the teacher's clause.OnConflict upsert idiom.
func (g *Gateway) UpsertReel(ctx context.Context, r *models.Reel) error {
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "profile_id"}, {Name: "shortcode"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"view_count", "like_count", "comment_count",
				"views_delta", "likes_delta", "comments_delta",
				"source_url", "mirror_url", "is_video", "has_video_url",
				"taken_at", "updated_at",
			}),
		}).
		Create(r).Error
	if err != nil {
		return classify("UpsertReel", err)
	}
	return nil
}

// GetReelsUpdatedOn returns the current-value Reel rows last refreshed on
// the given calendar date, used by the daily analytics runner to
// rematerialize today's aggregate reel deltas without replaying scrapes.
func (g *Gateway) GetReelsUpdatedOn(ctx context.Context, profileID uint, date time.Time) ([]models.Reel, error) {
	var rows []models.Reel
	err := g.db.WithContext(ctx).
		Where("profile_id = ? AND updated_at >= ? AND updated_at < ?", profileID, date, date.AddDate(0, 0, 1)).
		Find(&rows).Error
	if err != nil {
		return nil, classify("GetReelsUpdatedOn", err)
	}
	return rows, nil
}

// InsertReelMetric appends an immutable per-run metrics row.
func (g *Gateway) InsertReelMetric(ctx context.Context, rm *models.ReelMetric) error {
	if err := g.db.WithContext(ctx).Create(rm).Error; err != nil {
		return classify("InsertReelMetric", err)
	}
	return nil
}

// GetReelMetricsSince returns session-scoped ReelMetric rows.
func (g *Gateway) GetReelMetricsSince(ctx context.Context, profileID uint, from time.Time) ([]models.ReelMetric, error) {
	var rows []models.ReelMetric
	err := g.db.WithContext(ctx).
		Where("profile_id = ? AND captured_at >= ?", profileID, from).
		Order("captured_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("GetReelMetricsSince", err)
	}
	return rows, nil
}

// --- Reply (Twitter sub-pipeline) ---

// UpsertReply inserts or refreshes a reply row on (tweet, reply-tweet).
// Replies are read-append: no deltas are computed for them.
func (g *Gateway) UpsertReply(ctx context.Context, r *models.Reply) error {
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tweet_id"}, {Name: "reply_tweet_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"text", "captured_at"}),
		}).
		Create(r).Error
	if err != nil {
		return classify("UpsertReply", err)
	}
	return nil
}

// --- Fleet-wide reads used by the Scheduler and daily analytics runner ---

// ListAllProfiles returns every tracked Profile, used by the daily cron
// trigger to enqueue a job per profile.
func (g *Gateway) ListAllProfiles(ctx context.Context) ([]models.Profile, error) {
	var rows []models.Profile
	if err := g.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, classify("ListAllProfiles", err)
	}
	return rows, nil
}

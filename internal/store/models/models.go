// Package models holds the gorm row definitions for the six tracked
// entities of the data model: Profile, Snapshot, Delta, DailyMetric,
// Reel, ReelMetric, plus the Twitter-only Reply row. Field and table
// naming follows the teacher's pkg/db/models/tweet.go conventions.
package models

import (
	"time"

	"github.com/lib/pq"
)

// Platform identifies which source platform a Profile belongs to.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
)

// Profile is the identity of one tracked account on one platform.
//
// Invariants: TrackingID is globally unique; (Platform, Username,
// OwningUserID) is unique. UpdatedAt is bumped to now() whenever a new
// tracking session opens and is authoritative for session-scoped reads.
type Profile struct {
	ID             uint      `gorm:"primaryKey"`
	Platform       Platform  `gorm:"column:platform;not null;uniqueIndex:idx_profile_identity"`
	Username       string    `gorm:"column:username;not null;uniqueIndex:idx_profile_identity"`
	OwningUserID   *string   `gorm:"column:owning_user_id;uniqueIndex:idx_profile_identity"`
	ExternalID     string    `gorm:"column:external_id"`
	DisplayName    string    `gorm:"column:display_name"`
	AvatarURL      string    `gorm:"column:avatar_url"`
	Biography      string    `gorm:"column:biography"`
	ExternalLink   string    `gorm:"column:external_link"`
	TrackingID     string    `gorm:"column:tracking_id;uniqueIndex"`
	LastSnapshotID *uint     `gorm:"column:last_snapshot_id"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
	// UpdatedAt is the session-open boundary used by session-scoped reads,
	// not a generic modification timestamp, so gorm's autoUpdateTime
	// convention is disabled: only the pipeline's session-open/reset path
	// may advance it.
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:CURRENT_TIMESTAMP;autoUpdateTime:false"`
}

func (Profile) TableName() string { return "profiles" }

// Snapshot is an immutable point-in-time capture for a Profile. Never
// mutated or deleted by the core.
type Snapshot struct {
	ID             uint      `gorm:"primaryKey"`
	ProfileID      uint      `gorm:"column:profile_id;not null;index"`
	Followers      int64     `gorm:"column:followers"`
	Following      int64     `gorm:"column:following"`
	MediaCount     int64     `gorm:"column:media_count"`
	ReelCount      int64     `gorm:"column:reel_count"`
	Biography      string    `gorm:"column:biography"`
	AvatarURL      string    `gorm:"column:avatar_url"`
	RawPayload     string    `gorm:"column:raw_payload;type:jsonb"`
	CapturedAt     time.Time `gorm:"column:captured_at;not null;index"`
}

func (Snapshot) TableName() string { return "snapshots" }

// Delta joins two Snapshots of the same Profile with their arithmetic
// differences. Append-only; base.CapturedAt < Compare.CapturedAt always.
type Delta struct {
	ID              uint      `gorm:"primaryKey"`
	ProfileID       uint      `gorm:"column:profile_id;not null;index"`
	BaseID          uint      `gorm:"column:base_snapshot_id;not null"`
	CompareID       uint      `gorm:"column:compare_snapshot_id;not null"`
	FollowersDiff   int64     `gorm:"column:followers_diff"`
	FollowingDiff   int64     `gorm:"column:following_diff"`
	MediaCountDiff  int64     `gorm:"column:media_count_diff"`
	ReelCountDiff   int64     `gorm:"column:reel_count_diff"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP;index"`
}

func (Delta) TableName() string { return "deltas" }

// DailyMetric is the materialized per-(Profile, date) roll-up row. Only
// today's row may be updated; rows for past dates are read-only once the
// date rolls over.
type DailyMetric struct {
	ID        uint      `gorm:"primaryKey"`
	ProfileID uint       `gorm:"column:profile_id;not null;uniqueIndex:idx_daily_metric_day"`
	Date      time.Time `gorm:"column:date;not null;uniqueIndex:idx_daily_metric_day;type:date"`

	FollowersOpen  int64 `gorm:"column:followers_open"`
	FollowersClose int64 `gorm:"column:followers_close"`
	FollowersDelta int64 `gorm:"column:followers_delta"`

	FollowingOpen  int64 `gorm:"column:following_open"`
	FollowingClose int64 `gorm:"column:following_close"`
	FollowingDelta int64 `gorm:"column:following_delta"`

	MediaOpen  int64 `gorm:"column:media_open"`
	MediaClose int64 `gorm:"column:media_close"`
	MediaDelta int64 `gorm:"column:media_delta"`

	ReelsOpen  int64 `gorm:"column:reels_open"`
	ReelsClose int64 `gorm:"column:reels_close"`
	ReelsDelta int64 `gorm:"column:reels_delta"`

	ReelViewsDelta    int64 `gorm:"column:reel_views_delta"`
	ReelLikesDelta    int64 `gorm:"column:reel_likes_delta"`
	ReelCommentsDelta int64 `gorm:"column:reel_comments_delta"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:CURRENT_TIMESTAMP"`
}

func (DailyMetric) TableName() string { return "daily_metrics" }

// Reel is the current-value row for one media item, one per (Profile,
// Shortcode). Historical values live in ReelMetric.
type Reel struct {
	ID         uint      `gorm:"primaryKey"`
	ProfileID  uint      `gorm:"column:profile_id;not null;uniqueIndex:idx_reel_identity"`
	Shortcode  string    `gorm:"column:shortcode;not null;uniqueIndex:idx_reel_identity"`
	ViewCount    int64  `gorm:"column:view_count"`
	LikeCount    int64  `gorm:"column:like_count"`
	CommentCount int64  `gorm:"column:comment_count"`
	ViewsDelta    int64 `gorm:"column:views_delta"`
	LikesDelta    int64 `gorm:"column:likes_delta"`
	CommentsDelta int64 `gorm:"column:comments_delta"`
	SourceURL  string    `gorm:"column:source_url"`
	MirrorURL  string    `gorm:"column:mirror_url"`
	IsVideo    bool      `gorm:"column:is_video"`
	HasVideoURL bool     `gorm:"column:has_video_url"`
	// AverageWatchTimeSeconds remains NULL until a trusted analytics
	// source is wired in; the public graphql/json endpoints do not
	// expose it.
	AverageWatchTimeSeconds *float64  `gorm:"column:average_watch_time_seconds"`
	TakenAt                 time.Time `gorm:"column:taken_at"`
	CreatedAt                time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                time.Time `gorm:"column:updated_at;not null;default:CURRENT_TIMESTAMP"`
}

func (Reel) TableName() string { return "reels" }

// IsReel reports whether the media item should be treated as a reel for
// video-related APIs: has_video_url OR is_video.
func (r Reel) IsReel() bool { return r.HasVideoURL || r.IsVideo }

// ReelMetric is an immutable per-run metrics snapshot for a Reel. Never
// updated or deleted.
type ReelMetric struct {
	ID           uint      `gorm:"primaryKey"`
	ReelID       uint      `gorm:"column:reel_id;not null;index"`
	ProfileID    uint      `gorm:"column:profile_id;not null;index"`
	ViewCount    int64     `gorm:"column:view_count"`
	LikeCount    int64     `gorm:"column:like_count"`
	CommentCount int64     `gorm:"column:comment_count"`
	CapturedAt   time.Time `gorm:"column:captured_at;not null;index"`
}

func (ReelMetric) TableName() string { return "reel_metrics" }

// Reply is a Twitter-only read-append row: one per (TweetID, ReplyTweetID).
type Reply struct {
	ID             uint      `gorm:"primaryKey"`
	ProfileID      uint      `gorm:"column:profile_id;not null;index"`
	TweetID        string    `gorm:"column:tweet_id;not null;uniqueIndex:idx_reply_identity"`
	ReplyTweetID   string    `gorm:"column:reply_tweet_id;not null;uniqueIndex:idx_reply_identity"`
	AuthorID       string    `gorm:"column:author_id"`
	AuthorUsername string    `gorm:"column:author_username"`
	Text           string    `gorm:"column:text"`
	CapturedAt     time.Time `gorm:"column:captured_at;not null"`
}

func (Reply) TableName() string { return "replies" }

// ShortcodeSet converts a list of shortcodes into a pq.StringArray for
// bulk membership queries against the reels table.
func ShortcodeSet(shortcodes []string) pq.StringArray {
	return pq.StringArray(shortcodes)
}

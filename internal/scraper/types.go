// Package scraper declares the capability set the tracking pipeline
// needs from an upstream social platform, independent of transport.
//
// Grounded on Davincible/xapi's Client (rate limiter field, retry-with-
// backoff executor) and the teacher's twitter.TwitterClient (logrus
// instrumentation, rate-limit header parsing, OAuth). The wire format
// each concrete implementation actually speaks is out of scope; only
// this typed surface is load-bearing for the pipeline.
package scraper

import (
	"context"
	"encoding/json"
	"time"
)

// MediaSummary is the truncated media reference embedded directly in a
// profile payload — used only as a fallback when ListMediaShortcodes
// fails.
type MediaSummary struct {
	Shortcode string
	TakenAt   time.Time
}

// ProfileData is the typed result of FetchProfile.
type ProfileData struct {
	ExternalID   string
	DisplayName  string
	AvatarURL    string
	Biography    string
	ExternalLink string
	Followers    int
	Following    int
	MediaCount   int
	ReelCount    int
	LatestMedia  []MediaSummary
	RawPayload   json.RawMessage
}

// MediaData is the typed result of FetchMedia — detailed per-item
// metrics for exactly one media item (a "reel" in the generic sense).
type MediaData struct {
	Shortcode             string
	ViewCount             int
	LikeCount             int
	CommentCount          int
	SourceURL             string
	MirrorURL             string
	IsVideo               bool
	HasVideoURL           bool
	AverageWatchTimeSeconds *float64
	TakenAt               time.Time
}

// Reply is one reply to a tracked tweet, Twitter-only.
type Reply struct {
	TweetID        string
	ReplyTweetID   string
	AuthorID       string
	AuthorUsername string
	Text           string
	CapturedAt     time.Time
}

// Client is the capability set the tracking pipeline depends on. Both
// internal/scraper/instagram and internal/scraper/twitter implement it;
// tests substitute a fake.
type Client interface {
	FetchProfile(ctx context.Context, username string) (*ProfileData, error)
	FetchMedia(ctx context.Context, shortcode string) (*MediaData, error)
	ListMediaShortcodes(ctx context.Context, username string) ([]string, error)
	FetchReplies(ctx context.Context, tweetID string) ([]Reply, error)
}

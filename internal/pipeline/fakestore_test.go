package pipeline_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/socialpulse/trackerd/internal/pipeline"
	"github.com/socialpulse/trackerd/internal/store/models"
	"github.com/socialpulse/trackerd/internal/trackererrors"
)

// fakeStore is a minimal in-memory stand-in for store.Gateway,
// implementing pipeline.Store just deeply enough to exercise the
// pipeline's append-only, per-day-isolation and session-scoping rules.
type fakeStore struct {
	mu sync.Mutex

	nextID uint

	profiles      map[uint]*models.Profile
	snapshots     []*models.Snapshot
	deltas        []*models.Delta
	dailyMetrics  map[string]*models.DailyMetric // key: profileID:date
	reels         map[string]*models.Reel        // key: profileID:shortcode
	reelMetrics   []*models.ReelMetric
	replies       map[string]*models.Reply // key: tweetID:replyTweetID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:     make(map[uint]*models.Profile),
		dailyMetrics: make(map[string]*models.DailyMetric),
		reels:        make(map[string]*models.Reel),
		replies:      make(map[string]*models.Reply),
	}
}

func (f *fakeStore) id() uint {
	f.nextID++
	return f.nextID
}

func dayKey(profileID uint, date time.Time) string {
	y, m, d := date.Date()
	return fmt.Sprintf("%d:%d-%02d-%02d", profileID, y, m, d)
}

func keyOf(parts ...interface{}) string {
	return fmt.Sprint(parts...)
}

var _ pipeline.Store = (*fakeStore)(nil)

func (f *fakeStore) GetProfileByTrackingID(ctx context.Context, trackingID string) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.TrackingID == trackingID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, trackererrors.New("GetProfileByTrackingID", trackererrors.NotFound, nil)
}

func (f *fakeStore) GetProfileByHandle(ctx context.Context, platform models.Platform, username string, ownerUserID *string) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.Platform == platform && p.Username == username {
			cp := *p
			return &cp, nil
		}
	}
	return nil, trackererrors.New("GetProfileByHandle", trackererrors.NotFound, nil)
}

func (f *fakeStore) CreateProfile(ctx context.Context, p *models.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = f.id()
	cp := *p
	f.profiles[p.ID] = &cp
	return nil
}

func (f *fakeStore) SaveProfile(ctx context.Context, p *models.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.profiles[p.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateProfileLastSnapshot(ctx context.Context, profileID, snapshotID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[profileID]
	if !ok {
		return trackererrors.New("UpdateProfileLastSnapshot", trackererrors.NotFound, nil)
	}
	id := snapshotID
	p.LastSnapshotID = &id
	return nil
}

func (f *fakeStore) ListAllProfiles(ctx context.Context) ([]models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Profile, 0, len(f.profiles))
	for _, p := range f.profiles {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeStore) InsertSnapshot(ctx context.Context, s *models.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = f.id()
	cp := *s
	f.snapshots = append(f.snapshots, &cp)
	return nil
}

func (f *fakeStore) GetRecentSnapshots(ctx context.Context, profileID uint, limit int) ([]models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []models.Snapshot
	for i := len(f.snapshots) - 1; i >= 0; i-- {
		s := f.snapshots[i]
		if s.ProfileID == profileID {
			matching = append(matching, *s)
			if len(matching) == limit {
				break
			}
		}
	}
	return matching, nil
}

func (f *fakeStore) InsertDelta(ctx context.Context, d *models.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = f.id()
	d.CreatedAt = time.Now()
	cp := *d
	f.deltas = append(f.deltas, &cp)
	return nil
}

func (f *fakeStore) GetDailyMetric(ctx context.Context, profileID uint, date time.Time) (*models.DailyMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dm, ok := f.dailyMetrics[dayKey(profileID, date)]
	if !ok {
		return nil, trackererrors.New("GetDailyMetric", trackererrors.NotFound, nil)
	}
	cp := *dm
	return &cp, nil
}

func (f *fakeStore) InsertDailyMetric(ctx context.Context, dm *models.DailyMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dm.ID = f.id()
	cp := *dm
	f.dailyMetrics[dayKey(dm.ProfileID, dm.Date)] = &cp
	return nil
}

func (f *fakeStore) UpdateDailyMetricForToday(ctx context.Context, profileID uint, today time.Time, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dm, ok := f.dailyMetrics[dayKey(profileID, today)]
	if !ok {
		return trackererrors.New("UpdateDailyMetricForToday", trackererrors.NotFound, nil)
	}
	applyFields(dm, fields)
	return nil
}

func applyFields(dm *models.DailyMetric, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "followers_open":
			dm.FollowersOpen = v.(int64)
		case "followers_close":
			dm.FollowersClose = v.(int64)
		case "followers_delta":
			dm.FollowersDelta = v.(int64)
		case "following_open":
			dm.FollowingOpen = v.(int64)
		case "following_close":
			dm.FollowingClose = v.(int64)
		case "following_delta":
			dm.FollowingDelta = v.(int64)
		case "media_open":
			dm.MediaOpen = v.(int64)
		case "media_close":
			dm.MediaClose = v.(int64)
		case "media_delta":
			dm.MediaDelta = v.(int64)
		case "reels_open":
			dm.ReelsOpen = v.(int64)
		case "reels_close":
			dm.ReelsClose = v.(int64)
		case "reels_delta":
			dm.ReelsDelta = v.(int64)
		case "reel_views_delta":
			dm.ReelViewsDelta = v.(int64)
		case "reel_likes_delta":
			dm.ReelLikesDelta = v.(int64)
		case "reel_comments_delta":
			dm.ReelCommentsDelta = v.(int64)
		case "updated_at":
			dm.UpdatedAt = v.(time.Time)
		}
	}
}

func (f *fakeStore) GetLatestDailyMetric(ctx context.Context, profileID uint, cutoff time.Time) (*models.DailyMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.DailyMetric
	for _, dm := range f.dailyMetrics {
		if dm.ProfileID != profileID || !dm.Date.Before(cutoff) {
			continue
		}
		if best == nil || dm.Date.After(best.Date) {
			best = dm
		}
	}
	if best == nil {
		return nil, trackererrors.New("GetLatestDailyMetric", trackererrors.NotFound, nil)
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStore) GetReel(ctx context.Context, profileID uint, shortcode string) (*models.Reel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reels[keyOf(profileID, shortcode)]
	if !ok {
		return nil, trackererrors.New("GetReel", trackererrors.NotFound, nil)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) GetExistingShortcodes(ctx context.Context, profileID uint, shortcodes []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, sc := range shortcodes {
		if r, ok := f.reels[keyOf(profileID, sc)]; ok && r.ProfileID == profileID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (f *fakeStore) GetLatestReels(ctx context.Context, profileID uint, limit int) ([]models.Reel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []models.Reel
	for _, r := range f.reels {
		if r.ProfileID == profileID {
			matching = append(matching, *r)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].TakenAt.After(matching[j].TakenAt) })
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

func (f *fakeStore) UpsertReel(ctx context.Context, r *models.Reel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keyOf(r.ProfileID, r.Shortcode)
	if existing, ok := f.reels[k]; ok {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	} else {
		r.ID = f.id()
	}
	cp := *r
	f.reels[k] = &cp
	return nil
}

func (f *fakeStore) GetReelsUpdatedOn(ctx context.Context, profileID uint, date time.Time) ([]models.Reel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	y, m, d := date.Date()
	var out []models.Reel
	for _, r := range f.reels {
		ry, rm, rd := r.UpdatedAt.Date()
		if r.ProfileID == profileID && ry == y && rm == m && rd == d {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertReelMetric(ctx context.Context, rm *models.ReelMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm.ID = f.id()
	cp := *rm
	f.reelMetrics = append(f.reelMetrics, &cp)
	return nil
}

func (f *fakeStore) UpsertReply(ctx context.Context, r *models.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := r.TweetID + ":" + r.ReplyTweetID
	if existing, ok := f.replies[k]; ok {
		r.ID = existing.ID
	} else {
		r.ID = f.id()
	}
	cp := *r
	f.replies[k] = &cp
	return nil
}

package pipeline_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/pipeline"
	"github.com/socialpulse/trackerd/internal/queue"
	"github.com/socialpulse/trackerd/internal/scraper"
	"github.com/socialpulse/trackerd/internal/store/models"
)

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(discard{})
	return log
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestPipeline(t *testing.T, store *fakeStore, client scraper.Client, clock func() time.Time) *pipeline.Pipeline {
	t.Helper()
	clients := map[models.Platform]scraper.Client{models.PlatformInstagram: client}
	return pipeline.New(store, clients, silentLogger(),
		pipeline.WithClock(clock),
		pipeline.WithReelFetchDelay(0),
	)
}

func reelMedia(code string, views, likes, comments int, takenAt time.Time) scraper.MediaData {
	return scraper.MediaData{
		Shortcode:    code,
		ViewCount:    views,
		LikeCount:    likes,
		CommentCount: comments,
		TakenAt:      takenAt,
	}
}

// TestFirstTrackingRun covers scenario S1: a brand new handle produces
// one Profile, one Snapshot, no Delta, one Reel+ReelMetric per reel (all
// zero-contribution), and today's DailyMetric opened at the current
// values.
func TestFirstTrackingRun(t *testing.T) {
	g := NewWithT(t)
	store := newFakeStore()
	client := &fakeClient{
		Profiles: []scraper.ProfileData{
			{Followers: 100, Following: 50, MediaCount: 10, ReelCount: 3},
		},
		Media: map[string]scraper.MediaData{
			"r1": reelMedia("r1", 1000, 10, 1, mustTime("2026-01-01T00:00:00Z")),
			"r2": reelMedia("r2", 2000, 20, 2, mustTime("2026-01-01T00:01:00Z")),
			"r3": reelMedia("r3", 3000, 30, 3, mustTime("2026-01-01T00:02:00Z")),
		},
	}
	now := mustTime("2026-01-01T12:00:00Z")
	p := newTestPipeline(t, store, client, func() time.Time { return now })

	result, err := p.Run(context.Background(), queue.Job{ID: "j1", Target: queue.Target{Platform: "instagram", Username: "alice"}})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(result.Snapshot.Followers).To(Equal(int64(100)))
	g.Expect(store.snapshots).To(HaveLen(1))
	g.Expect(store.deltas).To(HaveLen(0))
	g.Expect(store.reels).To(HaveLen(3))
	g.Expect(store.reelMetrics).To(HaveLen(3))

	dm, err := store.GetDailyMetric(context.Background(), result.Profile.ID, now)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dm.FollowersOpen).To(Equal(int64(100)))
	g.Expect(dm.FollowersClose).To(Equal(int64(100)))
	g.Expect(dm.FollowersDelta).To(Equal(int64(0)))
	g.Expect(dm.ReelViewsDelta).To(Equal(int64(0)))
}

// TestSecondRunNoChange covers scenario S2: append-only snapshots (a
// second run adds a new Snapshot row, it does not overwrite the first),
// a Delta of all zeros, and an idempotent daily roll-up (same-day update,
// not a second row).
func TestSecondRunNoChange(t *testing.T) {
	g := NewWithT(t)
	store := newFakeStore()
	profileData := scraper.ProfileData{Followers: 100, Following: 50, MediaCount: 10, ReelCount: 3}
	client := &fakeClient{
		Profiles: []scraper.ProfileData{profileData, profileData},
		Media: map[string]scraper.MediaData{
			"r1": reelMedia("r1", 1000, 10, 1, mustTime("2026-01-01T00:00:00Z")),
		},
	}
	now := mustTime("2026-01-01T12:00:00Z")
	p := newTestPipeline(t, store, client, func() time.Time { return now })

	job := queue.Job{Target: queue.Target{Platform: "instagram", Username: "alice"}}
	_, err := p.Run(context.Background(), job)
	g.Expect(err).NotTo(HaveOccurred())

	now = now.Add(5 * time.Minute)
	result, err := p.Run(context.Background(), job)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(store.snapshots).To(HaveLen(2), "append-only: second run adds a row, does not overwrite the first")
	g.Expect(store.deltas).To(HaveLen(1))
	g.Expect(store.deltas[0].FollowersDiff).To(Equal(int64(0)))
	g.Expect(store.reelMetrics).To(HaveLen(2), "unchanged reel still gets a fresh ReelMetric row each run")
	g.Expect(store.reels).To(HaveLen(1), "current reel row count stays the same, values unchanged")

	dm, err := store.GetDailyMetric(context.Background(), result.Profile.ID, now)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dm.FollowersClose).To(Equal(int64(100)))
	g.Expect(dm.FollowersDelta).To(Equal(int64(0)))

	count := 0
	for range store.dailyMetrics {
		count++
	}
	g.Expect(count).To(Equal(1), "per-day isolation: same-day runs update one row, never insert a second")
}

// TestThirdRunSecondMostRecentBaseline covers scenario S3: the delta
// must be computed against the snapshot before the immediately prior
// one, not the prior one itself, since the prior one was this pipeline's
// own just-written snapshot on the previous run.
func TestThirdRunSecondMostRecentBaseline(t *testing.T) {
	g := NewWithT(t)
	store := newFakeStore()
	client := &fakeClient{
		Profiles: []scraper.ProfileData{
			{Followers: 100, Following: 50, MediaCount: 10, ReelCount: 3},
			{Followers: 100, Following: 50, MediaCount: 10, ReelCount: 3},
			{Followers: 107, Following: 50, MediaCount: 10, ReelCount: 3},
		},
		Media: map[string]scraper.MediaData{
			"r1": reelMedia("r1", 1000, 10, 1, mustTime("2026-01-01T00:00:00Z")),
		},
	}
	now := mustTime("2026-01-01T12:00:00Z")
	p := newTestPipeline(t, store, client, func() time.Time { return now })
	job := queue.Job{Target: queue.Target{Platform: "instagram", Username: "alice"}}

	_, err := p.Run(context.Background(), job) // S1
	g.Expect(err).NotTo(HaveOccurred())
	now = now.Add(5 * time.Minute)
	_, err = p.Run(context.Background(), job) // S2
	g.Expect(err).NotTo(HaveOccurred())
	now = now.Add(5 * time.Minute)

	client.Media["r1"] = reelMedia("r1", 1500, 10, 1, mustTime("2026-01-01T00:00:00Z"))
	_, err = p.Run(context.Background(), job) // S3
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(store.deltas).To(HaveLen(2))
	third := store.deltas[1]
	g.Expect(third.FollowersDiff).To(Equal(int64(7)), "baseline skips S2's own just-written snapshot, diffs against S1")

	dm, err := store.GetDailyMetric(context.Background(), 1, now)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dm.FollowersDelta).To(Equal(int64(7)), "today's open is still S1's 100")
	g.Expect(dm.ReelViewsDelta).To(Equal(int64(500)))
}

// TestSessionReset covers scenario S4: an explicit tracking-id bumps
// Profile.UpdatedAt and the first post-reset run writes a Snapshot but
// no Delta and a DailyMetric with delta=0.
func TestSessionReset(t *testing.T) {
	g := NewWithT(t)
	store := newFakeStore()
	client := &fakeClient{
		Profiles: []scraper.ProfileData{
			{Followers: 100, Following: 50, MediaCount: 10, ReelCount: 3},
			{Followers: 120, Following: 50, MediaCount: 10, ReelCount: 3},
		},
		Media: map[string]scraper.MediaData{},
	}
	now := mustTime("2026-01-01T12:00:00Z")
	p := newTestPipeline(t, store, client, func() time.Time { return now })

	first, err := p.Run(context.Background(), queue.Job{Target: queue.Target{Platform: "instagram", Username: "alice"}})
	g.Expect(err).NotTo(HaveOccurred())
	beforeReset := first.Profile.UpdatedAt

	now = now.Add(time.Hour)
	result, err := p.Run(context.Background(), queue.Job{
		Target:     queue.Target{Platform: "instagram", Username: "alice"},
		TrackingID: "xyz",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(result.Profile.UpdatedAt.After(beforeReset)).To(BeTrue(), "explicit tracking-id bumps updated_at")
	g.Expect(result.Profile.TrackingID).To(Equal("xyz"))

	g.Expect(store.deltas).To(HaveLen(0), "first post-reset run writes no delta")

	dm, err := store.GetDailyMetric(context.Background(), result.Profile.ID, now)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dm.FollowersDelta).To(Equal(int64(0)))
}

// TestNewReelAppears covers scenario S6: a newly enumerated shortcode is
// fetched and persisted alongside the previously stored set, and its
// first-sighting view count does not contribute to the daily aggregate.
func TestNewReelAppears(t *testing.T) {
	g := NewWithT(t)
	store := newFakeStore()
	client := &fakeClient{
		Profiles: []scraper.ProfileData{
			{Followers: 100, Following: 50, MediaCount: 10, ReelCount: 3},
			{Followers: 100, Following: 50, MediaCount: 10, ReelCount: 4},
		},
		Media: map[string]scraper.MediaData{
			"r1": reelMedia("r1", 1000, 10, 1, mustTime("2026-01-01T00:00:00Z")),
		},
	}
	now := mustTime("2026-01-01T12:00:00Z")
	p := newTestPipeline(t, store, client, func() time.Time { return now })
	job := queue.Job{Target: queue.Target{Platform: "instagram", Username: "alice"}}

	_, err := p.Run(context.Background(), job)
	g.Expect(err).NotTo(HaveOccurred())

	client.Media["r4"] = reelMedia("r4", 5000, 1, 0, mustTime("2026-01-01T00:05:00Z"))
	now = now.Add(5 * time.Minute)
	result, err := p.Run(context.Background(), job)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(store.reels).To(HaveLen(2))
	r4, err := store.GetReel(context.Background(), result.Profile.ID, "r4")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(r4.ViewsDelta).To(Equal(int64(0)), "first sighting carries no delta")

	dm, err := store.GetDailyMetric(context.Background(), result.Profile.ID, now)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dm.ReelViewsDelta).To(Equal(int64(0)), "new reel's initial view count does not contribute to the daily aggregate")
}

// TestDailyMetricPerDayIsolation verifies a run on a new calendar day
// creates a fresh DailyMetric row rather than mutating yesterday's.
func TestDailyMetricPerDayIsolation(t *testing.T) {
	g := NewWithT(t)
	store := newFakeStore()
	client := &fakeClient{
		Profiles: []scraper.ProfileData{
			{Followers: 100, Following: 50, MediaCount: 10, ReelCount: 0},
			{Followers: 110, Following: 50, MediaCount: 10, ReelCount: 0},
		},
	}
	now := mustTime("2026-01-01T23:55:00Z")
	p := newTestPipeline(t, store, client, func() time.Time { return now })
	job := queue.Job{Target: queue.Target{Platform: "instagram", Username: "alice"}}

	_, err := p.Run(context.Background(), job)
	g.Expect(err).NotTo(HaveOccurred())

	now = mustTime("2026-01-02T00:10:00Z")
	result, err := p.Run(context.Background(), job)
	g.Expect(err).NotTo(HaveOccurred())

	yesterday, err := store.GetDailyMetric(context.Background(), result.Profile.ID, mustTime("2026-01-01T00:00:00Z"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(yesterday.FollowersClose).To(Equal(int64(100)), "yesterday's row is never mutated by today's run")

	today, err := store.GetDailyMetric(context.Background(), result.Profile.ID, now)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(today.FollowersOpen).To(Equal(int64(100)), "today opens from yesterday's close, same session")
	g.Expect(today.FollowersClose).To(Equal(int64(110)))
}

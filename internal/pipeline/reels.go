package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/scraper"
	"github.com/socialpulse/trackerd/internal/store/models"
)

// reelAggregate holds the running totals steps 9-10 pass to the daily
// roll-up. Negative per-reel deltas are clamped to zero before
// accumulating here, per step 9.
type reelAggregate struct {
	ViewsDelta    int64
	LikesDelta    int64
	CommentsDelta int64
}

// reconcileReels implements steps 7-9: enumerate current reels, fetch
// detail for new and previously-persisted-latest reels, and persist the
// working set with per-refresh deltas.
func (p *Pipeline) reconcileReels(ctx context.Context, client scraper.Client, profile *models.Profile, profileData *scraper.ProfileData, log *logrus.Entry) (reelAggregate, error) {
	var agg reelAggregate

	// Step 7: enumerate current reels, falling back to the profile-
	// embedded list if the dedicated enumeration fails.
	enumerated, err := client.ListMediaShortcodes(ctx, profile.Username)
	if err != nil {
		log.WithError(err).Warn("reel enumeration failed, falling back to profile-embedded media list")
		enumerated = make([]string, 0, len(profileData.LatestMedia))
		for _, m := range profileData.LatestMedia {
			enumerated = append(enumerated, m.Shortcode)
		}
	}
	if len(enumerated) == 0 {
		// Nothing to reconcile this run; the snapshot still recorded counts.
		return agg, nil
	}

	existing, err := p.store.GetExistingShortcodes(ctx, profile.ID, enumerated)
	if err != nil {
		return agg, err
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, sc := range existing {
		existingSet[sc] = struct{}{}
	}

	var newShortcodes []string
	for _, sc := range enumerated {
		if _, ok := existingSet[sc]; !ok {
			newShortcodes = append(newShortcodes, sc)
		}
	}

	latestPersisted, err := p.store.GetLatestReels(ctx, profile.ID, p.reelWorkingSetSize)
	if err != nil {
		return agg, err
	}
	refreshShortcodes := make([]string, 0, len(latestPersisted))
	for _, r := range latestPersisted {
		refreshShortcodes = append(refreshShortcodes, r.Shortcode)
	}

	// Step 8: fetch detail for new + refresh shortcodes, with a fixed
	// politeness delay between outbound calls (distinct from the Queue's
	// global spacing).
	toFetch := dedupe(append(append([]string{}, newShortcodes...), refreshShortcodes...))
	fetched := make([]*scraper.MediaData, 0, len(toFetch))
	for i, sc := range toFetch {
		if i > 0 {
			select {
			case <-ctx.Done():
				return agg, ctx.Err()
			case <-time.After(p.reelFetchDelay):
			}
		}
		media, err := client.FetchMedia(ctx, sc)
		if err != nil {
			log.WithError(err).WithField("shortcode", sc).Warn("failed to fetch reel detail, skipping")
			continue
		}
		fetched = append(fetched, media)
	}

	// Merge, sort newest-taken first, cap at the working set size.
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].TakenAt.After(fetched[j].TakenAt) })
	if len(fetched) > p.reelWorkingSetSize {
		fetched = fetched[:p.reelWorkingSetSize]
	}

	// Step 9: per-reel persistence.
	for _, media := range fetched {
		if err := p.persistReel(ctx, profile, media, &agg, log); err != nil {
			log.WithError(err).WithField("shortcode", media.Shortcode).Warn("failed to persist reel")
		}
	}

	p.syncReplies(ctx, client, profile, fetched, log)

	return agg, nil
}

func (p *Pipeline) persistReel(ctx context.Context, profile *models.Profile, media *scraper.MediaData, agg *reelAggregate, log *logrus.Entry) error {
	now := p.now()

	existing, err := p.store.GetReel(ctx, profile.ID, media.Shortcode)
	firstSighting := false
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		firstSighting = true
	}

	var viewsDelta, likesDelta, commentsDelta int64
	if !firstSighting {
		viewsDelta = int64(media.ViewCount) - existing.ViewCount
		likesDelta = int64(media.LikeCount) - existing.LikeCount
		commentsDelta = int64(media.CommentCount) - existing.CommentCount
	}

	reel := &models.Reel{
		ProfileID:               profile.ID,
		Shortcode:               media.Shortcode,
		ViewCount:               int64(media.ViewCount),
		LikeCount:               int64(media.LikeCount),
		CommentCount:            int64(media.CommentCount),
		ViewsDelta:              viewsDelta,
		LikesDelta:              likesDelta,
		CommentsDelta:           commentsDelta,
		SourceURL:               media.SourceURL,
		MirrorURL:               media.MirrorURL,
		IsVideo:                 media.IsVideo,
		HasVideoURL:             media.HasVideoURL,
		AverageWatchTimeSeconds: media.AverageWatchTimeSeconds,
		TakenAt:                 media.TakenAt,
		UpdatedAt:               now,
	}
	if firstSighting {
		reel.CreatedAt = now
	}
	if err := p.store.UpsertReel(ctx, reel); err != nil {
		return err
	}

	rm := &models.ReelMetric{
		ReelID:       reel.ID,
		ProfileID:    profile.ID,
		ViewCount:    reel.ViewCount,
		LikeCount:    reel.LikeCount,
		CommentCount: reel.CommentCount,
		CapturedAt:   now,
	}
	if err := p.store.InsertReelMetric(ctx, rm); err != nil {
		return err
	}

	// Clamp negative per-reel deltas (possible on upstream revisions)
	// before accumulating into the daily aggregate.
	agg.ViewsDelta += clampPositive(viewsDelta)
	agg.LikesDelta += clampPositive(likesDelta)
	agg.CommentsDelta += clampPositive(commentsDelta)

	return nil
}

func clampPositive(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

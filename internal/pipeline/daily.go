package pipeline

import (
	"context"
	"time"

	"github.com/socialpulse/trackerd/internal/store/models"
)

// truncateToDate returns t truncated to a calendar day in its own
// location, matching the `date` column's semantics.
func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// rollupDaily implements step 10. baselineIsNil mirrors step 3's rule:
// true when this call ran under an explicit tracking-id (session-reset
// semantics), in which case an existing row for today is re-opened at the
// current values, and a brand new day's row with no same-session row for
// yesterday starts as a baseline with open=close=current rather than
// carrying forward an older close.
func (p *Pipeline) rollupDaily(ctx context.Context, profile *models.Profile, snapshot *models.Snapshot, agg reelAggregate, baselineIsNil bool, now time.Time) error {
	today := truncateToDate(now)

	existing, err := p.store.GetDailyMetric(ctx, profile.ID, today)
	if err == nil {
		followersOpen, followingOpen, mediaOpen, reelsOpen := existing.FollowersOpen, existing.FollowingOpen, existing.MediaOpen, existing.ReelsOpen
		if baselineIsNil {
			// A session reset landed on a day that already has a row: the
			// reset run itself becomes the new open, so it reports delta=0
			// the same as it would on a fresh day.
			followersOpen, followingOpen, mediaOpen, reelsOpen = snapshot.Followers, snapshot.Following, snapshot.MediaCount, snapshot.ReelCount
		}
		fields := map[string]interface{}{
			"followers_open":      followersOpen,
			"followers_close":     snapshot.Followers,
			"followers_delta":     snapshot.Followers - followersOpen,
			"following_open":      followingOpen,
			"following_close":     snapshot.Following,
			"following_delta":     snapshot.Following - followingOpen,
			"media_open":          mediaOpen,
			"media_close":         snapshot.MediaCount,
			"media_delta":         snapshot.MediaCount - mediaOpen,
			"reels_open":          reelsOpen,
			"reels_close":         snapshot.ReelCount,
			"reels_delta":         snapshot.ReelCount - reelsOpen,
			"reel_views_delta":    agg.ViewsDelta,
			"reel_likes_delta":    agg.LikesDelta,
			"reel_comments_delta": agg.CommentsDelta,
			"updated_at":          now,
		}
		return p.store.UpdateDailyMetricForToday(ctx, profile.ID, today, fields)
	}
	if !isNotFound(err) {
		return err
	}

	opens, err := p.resolveOpenValues(ctx, profile, snapshot, today, baselineIsNil)
	if err != nil {
		return err
	}

	dm := &models.DailyMetric{
		ProfileID: profile.ID,
		Date:      today,

		FollowersOpen:  opens.followers,
		FollowersClose: snapshot.Followers,
		FollowersDelta: snapshot.Followers - opens.followers,

		FollowingOpen:  opens.following,
		FollowingClose: snapshot.Following,
		FollowingDelta: snapshot.Following - opens.following,

		MediaOpen:  opens.media,
		MediaClose: snapshot.MediaCount,
		MediaDelta: snapshot.MediaCount - opens.media,

		ReelsOpen:  opens.reels,
		ReelsClose: snapshot.ReelCount,
		ReelsDelta: snapshot.ReelCount - opens.reels,

		ReelViewsDelta:    agg.ViewsDelta,
		ReelLikesDelta:    agg.LikesDelta,
		ReelCommentsDelta: agg.CommentsDelta,

		CreatedAt: now,
		UpdatedAt: now,
	}
	return p.store.InsertDailyMetric(ctx, dm)
}

type dailyOpens struct {
	followers, following, media, reels int64
}

// resolveOpenValues implements the insert-path "initial open values"
// rule: prefer yesterday's close within the same session, else a fresh
// baseline if this is the very first tracking in the session, else the
// latest known close of any prior date.
func (p *Pipeline) resolveOpenValues(ctx context.Context, profile *models.Profile, snapshot *models.Snapshot, today time.Time, baselineIsNil bool) (dailyOpens, error) {
	yesterday := today.AddDate(0, 0, -1)
	start := sessionStart(profile)

	if prev, err := p.store.GetDailyMetric(ctx, profile.ID, yesterday); err == nil {
		if !prev.UpdatedAt.Before(start) {
			return dailyOpens{
				followers: prev.FollowersClose,
				following: prev.FollowingClose,
				media:     prev.MediaClose,
				reels:     prev.ReelsClose,
			}, nil
		}
	} else if !isNotFound(err) {
		return dailyOpens{}, err
	}

	if baselineIsNil {
		return dailyOpens{
			followers: snapshot.Followers,
			following: snapshot.Following,
			media:     snapshot.MediaCount,
			reels:     snapshot.ReelCount,
		}, nil
	}

	latest, err := p.store.GetLatestDailyMetric(ctx, profile.ID, today)
	if err == nil {
		return dailyOpens{
			followers: latest.FollowersClose,
			following: latest.FollowingClose,
			media:     latest.MediaClose,
			reels:     latest.ReelsClose,
		}, nil
	}
	if !isNotFound(err) {
		return dailyOpens{}, err
	}

	// No prior DailyMetric row exists at all: baseline.
	return dailyOpens{
		followers: snapshot.Followers,
		following: snapshot.Following,
		media:     snapshot.MediaCount,
		reels:     snapshot.ReelCount,
	}, nil
}

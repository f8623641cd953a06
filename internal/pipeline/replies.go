package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/scraper"
	"github.com/socialpulse/trackerd/internal/store/models"
)

// repliesTopN bounds how many recent tweets the reply sub-pipeline
// inspects per run.
const repliesTopN = 10

// syncReplies implements the §4.7 Reply sub-pipeline: for each top-N
// recent tweet with a positive comment count, fetch and upsert its
// replies. Read-append only; no deltas are computed for replies.
//
// Grounded on the teacher's pkg/tasks/mentions/processor.go periodic-
// task shape and pkg/actions/check_mentions.go's top-N iteration
// pattern.
func (p *Pipeline) syncReplies(ctx context.Context, client scraper.Client, profile *models.Profile, items []*scraper.MediaData, log *logrus.Entry) {
	if profile.Platform != models.PlatformTwitter {
		return
	}

	count := 0
	for _, item := range items {
		if count >= repliesTopN {
			break
		}
		if item.CommentCount <= 0 {
			continue
		}
		count++

		replies, err := client.FetchReplies(ctx, item.Shortcode)
		if err != nil {
			log.WithError(err).WithField("tweet_id", item.Shortcode).Warn("failed to fetch replies")
			continue
		}
		for _, r := range replies {
			row := &models.Reply{
				ProfileID:      profile.ID,
				TweetID:        r.TweetID,
				ReplyTweetID:   r.ReplyTweetID,
				AuthorID:       r.AuthorID,
				AuthorUsername: r.AuthorUsername,
				Text:           r.Text,
				CapturedAt:     r.CapturedAt,
			}
			if err := p.store.UpsertReply(ctx, row); err != nil {
				log.WithError(err).WithField("reply_tweet_id", r.ReplyTweetID).Warn("failed to upsert reply")
			}
		}
	}
}

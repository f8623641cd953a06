// Package instagram implements scraper.Client against Instagram's public
// profile/media JSON endpoints.
//
// Grounded on Davincible/xapi's Client struct (rate limiter field,
// retry-with-backoff executor, metrics counters) for the HTTP/retry
// shape, and on the teacher's twitter.TwitterClient for the
// logrus-instrumented request/response handling idiom.
package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/socialpulse/trackerd/internal/cookiepool"
	"github.com/socialpulse/trackerd/internal/scraper"
	"github.com/socialpulse/trackerd/internal/trackererrors"
)

const (
	defaultBaseURL    = "https://www.instagram.com"
	maxTransientRetry = 3
	requestTimeout    = 30 * time.Second
)

// Client is the Instagram-facing scraper.Client implementation.
type Client struct {
	pool       *cookiepool.Pool
	http       *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
	baseURL    string
	maxRetries int
}

// New builds an Instagram scraper.Client backed by pool for credential
// rotation. requestsPerSecond bounds outbound call rate.
func New(pool *cookiepool.Pool, requestsPerSecond float64, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Client{
		pool: pool,
		http: &http.Client{
			Timeout: requestTimeout,
			Jar:     jar,
		},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger,
		baseURL:    defaultBaseURL,
		maxRetries: maxTransientRetry,
	}
}

// FetchProfile implements scraper.Client.
func (c *Client) FetchProfile(ctx context.Context, username string) (*scraper.ProfileData, error) {
	url := fmt.Sprintf("%s/api/v1/users/web_profile_info/?username=%s", c.baseURL, username)

	var payload struct {
		Data struct {
			User struct {
				ID             string `json:"id"`
				FullName       string `json:"full_name"`
				Biography      string `json:"biography"`
				ExternalURL    string `json:"external_url"`
				ProfilePicURL  string `json:"profile_pic_url_hd"`
				EdgeFollowedBy struct {
					Count int `json:"count"`
				} `json:"edge_followed_by"`
				EdgeFollow struct {
					Count int `json:"count"`
				} `json:"edge_follow"`
				EdgeOwnerToTimelineMedia struct {
					Count int `json:"count"`
					Edges []struct {
						Node struct {
							Shortcode string `json:"shortcode"`
							TakenAt   int64  `json:"taken_at_timestamp"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"edge_owner_to_timeline_media"`
			} `json:"user"`
		} `json:"data"`
	}

	raw, err := c.doJSON(ctx, url, &payload)
	if err != nil {
		return nil, err
	}

	media := make([]scraper.MediaSummary, 0, len(payload.Data.User.EdgeOwnerToTimelineMedia.Edges))
	for _, e := range payload.Data.User.EdgeOwnerToTimelineMedia.Edges {
		media = append(media, scraper.MediaSummary{
			Shortcode: e.Node.Shortcode,
			TakenAt:   time.Unix(e.Node.TakenAt, 0),
		})
	}

	return &scraper.ProfileData{
		ExternalID:   payload.Data.User.ID,
		DisplayName:  payload.Data.User.FullName,
		AvatarURL:    payload.Data.User.ProfilePicURL,
		Biography:    payload.Data.User.Biography,
		ExternalLink: payload.Data.User.ExternalURL,
		Followers:    payload.Data.User.EdgeFollowedBy.Count,
		Following:    payload.Data.User.EdgeFollow.Count,
		MediaCount:   payload.Data.User.EdgeOwnerToTimelineMedia.Count,
		ReelCount:    len(media),
		LatestMedia:  media,
		RawPayload:   raw,
	}, nil
}

// FetchMedia implements scraper.Client.
func (c *Client) FetchMedia(ctx context.Context, shortcode string) (*scraper.MediaData, error) {
	url := fmt.Sprintf("%s/p/%s/?__a=1&__d=dis", c.baseURL, shortcode)

	var payload struct {
		Items []struct {
			VideoViewCount int64 `json:"video_view_count"`
			VideoDuration  float64 `json:"video_duration"`
			TakenAt        int64 `json:"taken_at"`
			HasAudio       bool  `json:"has_audio"`
			VideoURL       string `json:"video_url"`
			EdgeMediaPreviewLike struct {
				Count int `json:"count"`
			} `json:"edge_media_preview_like"`
			EdgeMediaToComment struct {
				Count int `json:"count"`
			} `json:"edge_media_to_comment"`
		} `json:"items"`
	}

	if _, err := c.doJSON(ctx, url, &payload); err != nil {
		return nil, err
	}
	if len(payload.Items) == 0 {
		return nil, trackererrors.New("FetchMedia", trackererrors.Parse, fmt.Errorf("empty item list for shortcode %s", shortcode))
	}

	item := payload.Items[0]
	hasVideoURL := item.VideoURL != ""
	return &scraper.MediaData{
		Shortcode:    shortcode,
		ViewCount:    int(item.VideoViewCount),
		LikeCount:    item.EdgeMediaPreviewLike.Count,
		CommentCount: item.EdgeMediaToComment.Count,
		SourceURL:    item.VideoURL,
		IsVideo:      item.VideoDuration > 0,
		HasVideoURL:  hasVideoURL,
		TakenAt:      time.Unix(item.TakenAt, 0),
	}, nil
}

// ListMediaShortcodes implements scraper.Client. It issues a full
// enumeration request rather than trusting the profile-embedded list,
// which upstream truncates.
func (c *Client) ListMediaShortcodes(ctx context.Context, username string) ([]string, error) {
	url := fmt.Sprintf("%s/api/v1/users/web_profile_info/?username=%s&full_media=1", c.baseURL, username)

	var payload struct {
		Data struct {
			User struct {
				EdgeOwnerToTimelineMedia struct {
					Edges []struct {
						Node struct {
							Shortcode string `json:"shortcode"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"edge_owner_to_timeline_media"`
			} `json:"user"`
		} `json:"data"`
	}

	if _, err := c.doJSON(ctx, url, &payload); err != nil {
		return nil, err
	}

	shortcodes := make([]string, 0, len(payload.Data.User.EdgeOwnerToTimelineMedia.Edges))
	for _, e := range payload.Data.User.EdgeOwnerToTimelineMedia.Edges {
		shortcodes = append(shortcodes, e.Node.Shortcode)
	}
	return shortcodes, nil
}

// FetchReplies is Twitter-only; Instagram has no equivalent capability.
func (c *Client) FetchReplies(ctx context.Context, tweetID string) ([]scraper.Reply, error) {
	return nil, trackererrors.New("FetchReplies", trackererrors.Fatal, fmt.Errorf("replies are not supported on the instagram scraper"))
}

// doJSON executes one GET request under the rate limiter, classifying
// failures into the tracker's error taxonomy, retrying Transient
// failures up to maxRetries with exponential intra-call backoff, and
// reporting success/failure back to the credential pool.
func (c *Client) doJSON(ctx context.Context, url string, out interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, trackererrors.New("doJSON", trackererrors.Transient, err)
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		raw, err := c.attempt(ctx, url, out)
		if err == nil {
			c.pool.MarkSuccess()
			return raw, nil
		}

		if trackererrors.Is(err, trackererrors.RateLimited) || trackererrors.Is(err, trackererrors.AuthFailed) {
			return nil, err
		}
		if !trackererrors.Is(err, trackererrors.Transient) {
			return nil, err
		}

		lastErr = err
		c.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt}).Warn("transient scraper error, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, url string, out interface{}) (json.RawMessage, error) {
	cred, ok := c.pool.Current()
	if !ok {
		return nil, trackererrors.New("attempt", trackererrors.AuthFailed, fmt.Errorf("no active credential"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, trackererrors.New("attempt", trackererrors.Fatal, err)
	}
	req.Header.Set("Cookie", cred.Raw)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("X-IG-App-ID", "936619743392459")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, trackererrors.New("attempt", trackererrors.Transient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trackererrors.New("attempt", trackererrors.Transient, err)
	}

	if rateLimited, retryAfter := classifyRateLimit(resp, body); rateLimited {
		wait := c.pool.MarkFailure("rate_limit")
		if retryAfter > wait {
			wait = retryAfter
		}
		return nil, trackererrors.RateLimit("attempt", wait, fmt.Errorf("instagram rate limited: status=%d", resp.StatusCode))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.pool.MarkFailure("auth_failed")
		return nil, trackererrors.New("attempt", trackererrors.AuthFailed, fmt.Errorf("instagram auth failed: status=%d", resp.StatusCode))
	}

	if resp.StatusCode >= 500 {
		return nil, trackererrors.New("attempt", trackererrors.Transient, fmt.Errorf("instagram upstream error: status=%d", resp.StatusCode))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, trackererrors.New("attempt", trackererrors.Fatal, fmt.Errorf("instagram unexpected status=%d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, trackererrors.New("attempt", trackererrors.Parse, err)
	}
	return json.RawMessage(body), nil
}

// classifyRateLimit detects the three rate-limit signals from §4.2: a
// 429 status, a 401 carrying a rate-limit marker, or a textual
// "wait a few minutes" match in the body.
func classifyRateLimit(resp *http.Response, body []byte) (bool, time.Duration) {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	lower := strings.ToLower(string(body))
	if resp.StatusCode == http.StatusUnauthorized && strings.Contains(lower, "rate limit") {
		return true, cookiepool.DefaultResetWindow
	}
	if strings.Contains(lower, "wait a few minutes") {
		return true, cookiepool.DefaultResetWindow
	}
	return false, 0
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return cookiepool.DefaultSwitchDelay
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return cookiepool.DefaultSwitchDelay
}

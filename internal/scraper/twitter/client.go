// Package twitter implements scraper.Client against Twitter/X's v2 API,
// adapted from the teacher's pkg/interfaces/twitter dual-mode
// authenticator: OAuth 1.0a via github.com/mrjones/oauth when consumer
// credentials are present (needed to read protected reply threads),
// falling back to a bearer token for read-only profile/media calls.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mrjones/oauth"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/socialpulse/trackerd/internal/cookiepool"
	"github.com/socialpulse/trackerd/internal/scraper"
	"github.com/socialpulse/trackerd/internal/trackererrors"
)

const (
	baseURL         = "https://api.twitter.com/2"
	requestTokenURL = "https://api.twitter.com/oauth/request_token"
	authorizeURL    = "https://api.twitter.com/oauth/authorize"
	accessTokenURL  = "https://api.twitter.com/oauth/access_token"
	requestTimeout  = 30 * time.Second
)

// Credentials bundles the OAuth1 fields used for reply fetches; every
// other call sends the pool's current credential as a bearer token.
type Credentials struct {
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
}

// Client is the Twitter-facing scraper.Client implementation.
type Client struct {
	pool        *cookiepool.Pool
	oauthClient *http.Client
	creds       Credentials
	http        *http.Client
	limiter     *rate.Limiter
	logger      *logrus.Logger
}

// New builds a Twitter scraper.Client. When creds carries OAuth1 fields,
// requests needing reply-thread access are signed via mrjones/oauth;
// bearer-token pool credentials are used for read-only calls otherwise.
func New(pool *cookiepool.Pool, creds Credentials, requestsPerSecond float64, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}

	c := &Client{
		pool:    pool,
		creds:   creds,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logger,
	}

	if creds.ConsumerKey != "" && creds.AccessToken != "" {
		consumer := oauth.NewConsumer(creds.ConsumerKey, creds.ConsumerSecret, oauth.ServiceProvider{
			RequestTokenUrl:   requestTokenURL,
			AuthorizeTokenUrl: authorizeURL,
			AccessTokenUrl:    accessTokenURL,
		})
		consumer.HttpClient = &http.Client{Timeout: requestTimeout}

		oc, err := consumer.MakeHttpClient(&oauth.AccessToken{
			Token:  creds.AccessToken,
			Secret: creds.AccessTokenSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("building oauth1 client: %w", err)
		}
		c.oauthClient = oc
	}

	return c, nil
}

// FetchProfile implements scraper.Client.
func (c *Client) FetchProfile(ctx context.Context, username string) (*scraper.ProfileData, error) {
	url := fmt.Sprintf("%s/users/by/username/%s?user.fields=public_metrics,description,profile_image_url", baseURL, username)

	var payload struct {
		Data struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Description     string `json:"description"`
			ProfileImageURL string `json:"profile_image_url"`
			PublicMetrics   struct {
				FollowersCount int `json:"followers_count"`
				FollowingCount int `json:"following_count"`
				TweetCount     int `json:"tweet_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}

	raw, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, trackererrors.New("FetchProfile", trackererrors.Parse, err)
	}

	return &scraper.ProfileData{
		ExternalID:  payload.Data.ID,
		DisplayName: payload.Data.Name,
		AvatarURL:   payload.Data.ProfileImageURL,
		Biography:   payload.Data.Description,
		Followers:   payload.Data.PublicMetrics.FollowersCount,
		Following:   payload.Data.PublicMetrics.FollowingCount,
		MediaCount:  payload.Data.PublicMetrics.TweetCount,
		RawPayload:  raw,
	}, nil
}

// FetchMedia implements scraper.Client, treating a tweet's own
// engagement counts as its "media" metrics — there is no separate
// media entity on the Twitter pipeline.
func (c *Client) FetchMedia(ctx context.Context, shortcode string) (*scraper.MediaData, error) {
	url := fmt.Sprintf("%s/tweets/%s?tweet.fields=public_metrics,created_at", baseURL, shortcode)

	var payload struct {
		Data struct {
			CreatedAt     time.Time `json:"created_at"`
			PublicMetrics struct {
				LikeCount   int `json:"like_count"`
				ReplyCount  int `json:"reply_count"`
				ImpressionCount int `json:"impression_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}

	raw, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, trackererrors.New("FetchMedia", trackererrors.Parse, err)
	}

	return &scraper.MediaData{
		Shortcode:    shortcode,
		ViewCount:    payload.Data.PublicMetrics.ImpressionCount,
		LikeCount:    payload.Data.PublicMetrics.LikeCount,
		CommentCount: payload.Data.PublicMetrics.ReplyCount,
		TakenAt:      payload.Data.CreatedAt,
	}, nil
}

// ListMediaShortcodes implements scraper.Client, enumerating recent
// tweet IDs for the user.
func (c *Client) ListMediaShortcodes(ctx context.Context, username string) ([]string, error) {
	profile, err := c.FetchProfile(ctx, username)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/users/%s/tweets?max_results=100&tweet.fields=created_at", baseURL, profile.ExternalID)
	raw, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, trackererrors.New("ListMediaShortcodes", trackererrors.Parse, err)
	}

	ids := make([]string, 0, len(payload.Data))
	for _, t := range payload.Data {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// FetchReplies implements scraper.Client. It requires the OAuth1 client
// (reply threads are not reliably readable via bearer token alone).
func (c *Client) FetchReplies(ctx context.Context, tweetID string) ([]scraper.Reply, error) {
	if c.oauthClient == nil {
		return nil, trackererrors.New("FetchReplies", trackererrors.AuthFailed, fmt.Errorf("oauth1 credentials required for reply fetch"))
	}

	url := fmt.Sprintf("%s/tweets/search/recent?query=conversation_id:%s&tweet.fields=author_id,created_at,in_reply_to_user_id", baseURL, tweetID)
	raw, err := c.doJSON(ctx, http.MethodGet, url, c.oauthClient)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			ID        string    `json:"id"`
			AuthorID  string    `json:"author_id"`
			Text      string    `json:"text"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, trackererrors.New("FetchReplies", trackererrors.Parse, err)
	}

	replies := make([]scraper.Reply, 0, len(payload.Data))
	for _, t := range payload.Data {
		replies = append(replies, scraper.Reply{
			TweetID:      tweetID,
			ReplyTweetID: t.ID,
			AuthorID:     t.AuthorID,
			Text:         t.Text,
			CapturedAt:   time.Now(),
		})
	}
	return replies, nil
}

// doJSON executes one request, preferring an explicit oauthOverride
// client when given, otherwise the pool's bearer token. Classifies
// failures per the shared rate-limit/auth-failure contract.
func (c *Client) doJSON(ctx context.Context, method, url string, oauthOverride *http.Client) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, trackererrors.New("doJSON", trackererrors.Transient, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, trackererrors.New("doJSON", trackererrors.Fatal, err)
	}

	client := c.http
	if oauthOverride != nil {
		client = oauthOverride
	} else if cred, ok := c.pool.Current(); ok {
		req.Header.Set("Authorization", "Bearer "+cred.Raw)
	} else {
		return nil, trackererrors.New("doJSON", trackererrors.AuthFailed, fmt.Errorf("no active bearer credential"))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, trackererrors.New("doJSON", trackererrors.Transient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trackererrors.New("doJSON", trackererrors.Transient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := c.pool.MarkFailure("rate_limit")
		if reset := resp.Header.Get("x-rate-limit-reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				if d := time.Until(time.Unix(epoch, 0)); d > wait {
					wait = d
				}
			}
		}
		return nil, trackererrors.RateLimit("doJSON", wait, fmt.Errorf("twitter rate limited"))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.pool.MarkFailure("auth_failed")
		return nil, trackererrors.New("doJSON", trackererrors.AuthFailed, fmt.Errorf("twitter auth failed: status=%d", resp.StatusCode))
	}

	if resp.StatusCode >= 500 {
		return nil, trackererrors.New("doJSON", trackererrors.Transient, fmt.Errorf("twitter upstream error: status=%d", resp.StatusCode))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, trackererrors.New("doJSON", trackererrors.Fatal, fmt.Errorf("twitter unexpected status=%d body=%s", resp.StatusCode, string(body)))
	}

	c.pool.MarkSuccess()
	return json.RawMessage(body), nil
}

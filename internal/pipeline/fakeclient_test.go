package pipeline_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/socialpulse/trackerd/internal/scraper"
	"github.com/socialpulse/trackerd/internal/trackererrors"
)

// fakeClient is a scripted scraper.Client: each FetchProfile call pops
// the next entry from Profiles, in order, so a test can script a run of
// scrapes representing successive cron ticks.
type fakeClient struct {
	Profiles []scraper.ProfileData
	Media    map[string]scraper.MediaData
	call     int
}

var _ scraper.Client = (*fakeClient)(nil)

func (f *fakeClient) FetchProfile(ctx context.Context, username string) (*scraper.ProfileData, error) {
	if f.call >= len(f.Profiles) {
		return nil, trackererrors.New("FetchProfile", trackererrors.Fatal, nil)
	}
	p := f.Profiles[f.call]
	f.call++
	if p.RawPayload == nil {
		p.RawPayload = json.RawMessage(`{}`)
	}
	return &p, nil
}

func (f *fakeClient) FetchMedia(ctx context.Context, shortcode string) (*scraper.MediaData, error) {
	m, ok := f.Media[shortcode]
	if !ok {
		return nil, trackererrors.New("FetchMedia", trackererrors.NotFound, nil)
	}
	return &m, nil
}

func (f *fakeClient) ListMediaShortcodes(ctx context.Context, username string) ([]string, error) {
	var codes []string
	for code := range f.Media {
		codes = append(codes, code)
	}
	return codes, nil
}

func (f *fakeClient) FetchReplies(ctx context.Context, tweetID string) ([]scraper.Reply, error) {
	return nil, nil
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

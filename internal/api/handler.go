package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/pipeline"
	"github.com/socialpulse/trackerd/internal/queue"
	"github.com/socialpulse/trackerd/internal/scheduler"
	"github.com/socialpulse/trackerd/internal/store"
	"github.com/socialpulse/trackerd/internal/store/models"
	"github.com/socialpulse/trackerd/internal/trackererrors"
)

// sessionEpsilon mirrors the pipeline's tolerance for session-scoped
// reads: rows with captured_at >= Profile.updated_at - epsilon.
const sessionEpsilon = time.Second

// EnqueueAllFunc enqueues a non-immediate Job for every tracked Profile;
// shared between the Scheduler's daily tick and the manual
// POST /cron/trigger endpoint.
type EnqueueAllFunc func(ctx context.Context)

// Handler holds the dependencies the thin HTTP layer calls into.
type Handler struct {
	queue           *queue.Queue
	store           *store.Gateway
	scheduler       *scheduler.Scheduler
	enqueueAll      EnqueueAllFunc
	defaultPlatform models.Platform
	logger          *logrus.Logger
}

// NewHandler builds a Handler.
func NewHandler(q *queue.Queue, gw *store.Gateway, sched *scheduler.Scheduler, enqueueAll EnqueueAllFunc, defaultPlatform models.Platform, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		queue:           q,
		store:           gw,
		scheduler:       sched,
		enqueueAll:      enqueueAll,
		defaultPlatform: defaultPlatform,
		logger:          logger,
	}
}

type createProfileRequest struct {
	Username   string  `json:"username"`
	Platform   string  `json:"platform,omitempty"`
	TrackingID string  `json:"tracking_id,omitempty"`
	UserID     *string `json:"user_id,omitempty"`
}

type profileResponse struct {
	Username     string    `json:"username"`
	Platform     string    `json:"platform"`
	TrackingID   string    `json:"tracking_id"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url"`
	Biography    string    `json:"biography"`
	ExternalLink string    `json:"external_link"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toProfileResponse(p *models.Profile) profileResponse {
	return profileResponse{
		Username:     p.Username,
		Platform:     string(p.Platform),
		TrackingID:   p.TrackingID,
		DisplayName:  p.DisplayName,
		AvatarURL:    p.AvatarURL,
		Biography:    p.Biography,
		ExternalLink: p.ExternalLink,
		UpdatedAt:    p.UpdatedAt,
	}
}

func (h *Handler) platformOf(raw string) models.Platform {
	if raw == "" {
		return h.defaultPlatform
	}
	return models.Platform(raw)
}

// CreateOrRefreshProfile implements POST /profiles: enqueue an immediate
// Job and await completion before responding with the resolved Profile.
func (h *Handler) CreateOrRefreshProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	target := queue.Target{Platform: string(h.platformOf(req.Platform)), Username: req.Username}
	future := h.queue.Add(target, true, req.TrackingID, req.UserID)

	h.awaitAndRespond(w, r, future)
}

// RefreshProfile implements POST /profiles/{username}/refresh: enqueue
// an immediate Job for the existing tracking, no tracking-id supplied.
func (h *Handler) RefreshProfile(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	platform := h.platformOf(r.URL.Query().Get("platform"))

	target := queue.Target{Platform: string(platform), Username: username}
	future := h.queue.Add(target, true, "", nil)

	h.awaitAndRespond(w, r, future)
}

func (h *Handler) awaitAndRespond(w http.ResponseWriter, r *http.Request, future *queue.Future) {
	raw, err := future.Wait(r.Context())
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	result, ok := raw.(*pipeline.Result)
	if !ok || result == nil {
		writeError(w, http.StatusInternalServerError, "unexpected pipeline result")
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(result.Profile))
}

type trackedReadResponse struct {
	Profile  profileResponse  `json:"profile"`
	Snapshot *snapshotSummary `json:"snapshot,omitempty"`
	Delta    *deltaSummary    `json:"delta,omitempty"`
}

type snapshotSummary struct {
	Followers  int64     `json:"followers"`
	Following  int64     `json:"following"`
	MediaCount int64     `json:"media_count"`
	ReelCount  int64     `json:"reel_count"`
	CapturedAt time.Time `json:"captured_at"`
}

type deltaSummary struct {
	FollowersDiff  int64     `json:"followers_diff"`
	FollowingDiff  int64     `json:"following_diff"`
	MediaCountDiff int64     `json:"media_count_diff"`
	ReelCountDiff  int64     `json:"reel_count_diff"`
	Source         string    `json:"source"`
	AsOf           time.Time `json:"as_of"`
}

// GetTrackedProfile implements GET /profiles/tracking/{trackingID}: a
// session-scoped read of the Profile plus its latest session-scoped
// Snapshot and Delta. Delta is synthesized from DailyMetric when that
// row is fresher than the Delta table.
func (h *Handler) GetTrackedProfile(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	ctx := r.Context()

	profile, err := h.store.GetProfileByTrackingID(ctx, trackingID)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	sessionStart := profile.UpdatedAt.Add(-sessionEpsilon)

	resp := trackedReadResponse{Profile: toProfileResponse(profile)}

	snapshots, err := h.store.GetSnapshotsSince(ctx, profile.ID, sessionStart)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	if len(snapshots) > 0 {
		latest := snapshots[len(snapshots)-1]
		resp.Snapshot = &snapshotSummary{
			Followers:  latest.Followers,
			Following:  latest.Following,
			MediaCount: latest.MediaCount,
			ReelCount:  latest.ReelCount,
			CapturedAt: latest.CapturedAt,
		}
	}

	today := truncateToDate(time.Now())
	dm, dmErr := h.store.GetDailyMetric(ctx, profile.ID, today)
	delta, deltaErr := h.store.GetLatestDelta(ctx, profile.ID)
	if dmErr == nil && dm.UpdatedAt.Before(sessionStart) {
		dmErr = trackererrors.New("GetTrackedProfile", trackererrors.NotFound, nil)
	}
	if deltaErr == nil && delta.CreatedAt.Before(sessionStart) {
		deltaErr = trackererrors.New("GetTrackedProfile", trackererrors.NotFound, nil)
	}

	switch {
	case dmErr == nil && (deltaErr != nil || dm.UpdatedAt.After(delta.CreatedAt)):
		resp.Delta = &deltaSummary{
			FollowersDiff:  dm.FollowersDelta,
			FollowingDiff:  dm.FollowingDelta,
			MediaCountDiff: dm.MediaDelta,
			ReelCountDiff:  dm.ReelsDelta,
			Source:         "daily_metric",
			AsOf:           dm.UpdatedAt,
		}
	case deltaErr == nil:
		resp.Delta = &deltaSummary{
			FollowersDiff:  delta.FollowersDiff,
			FollowingDiff:  delta.FollowingDiff,
			MediaCountDiff: delta.MediaCountDiff,
			ReelCountDiff:  delta.ReelCountDiff,
			Source:         "delta",
			AsOf:           delta.CreatedAt,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// QueueStatus implements GET /queue/status.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Status())
}

// QueueProcess implements POST /queue/process: a manual dispatcher kick.
func (h *Handler) QueueProcess(w http.ResponseWriter, r *http.Request) {
	h.queue.Kick()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "kicked"})
}

// CronTrigger implements POST /cron/trigger: enqueue-all, equivalent to
// the daily tick, without waiting for completion.
func (h *Handler) CronTrigger(w http.ResponseWriter, r *http.Request) {
	go h.enqueueAll(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// CronSchedule implements GET /cron/schedule.
func (h *Handler) CronSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules":     h.scheduler.Schedules(),
		"next_firings":  h.scheduler.NextFirings(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case trackererrors.Is(err, trackererrors.NotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case trackererrors.Is(err, trackererrors.RateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case trackererrors.Is(err, trackererrors.AuthFailed):
		writeError(w, http.StatusUnauthorized, err.Error())
	case trackererrors.Is(err, trackererrors.Conflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

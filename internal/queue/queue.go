// Package queue implements the process-wide, single-consumer job queue
// and dispatcher: at most one tracking job runs at a time, jobs for the
// same target are deduplicated, and a rate-limited job is transparently
// re-queued with exponential backoff rather than failed to the caller.
//
// The dispatcher composition (goroutine + wait group + error channel
// style completion signaling) is grounded on the teacher's
// pkg/agent/agent.go Agent.Run, generalized from "run every task once"
// to "run one job at a time, forever, under a spacing and backoff rule".
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/trackererrors"
)

// Target identifies the (platform, username) a Job tracks.
type Target struct {
	Platform string
	Username string
}

func (t Target) key() string { return t.Platform + ":" + t.Username }

// RunFunc executes one dispatched Job and returns its Result. Queue is
// deliberately decoupled from the pipeline's concrete Result/Profile
// types so the two packages don't import each other; callers type-assert
// the interface{} returned by Future.Wait.
type RunFunc func(ctx context.Context, job Job) (interface{}, error)

// Job is one unit of dispatched work.
type Job struct {
	ID         string
	Target     Target
	Immediate  bool
	TrackingID string
	UserID     *string
	AddedAt    time.Time

	future *Future
}

// Future is the promise-like completion handle returned by Add. Multiple
// callers awaiting the same deduplicated Job share the same Future.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result interface{}, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the Job settles (success or terminal failure) or ctx
// is canceled.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingJob pairs a Job with its priority-queue bookkeeping.
type pendingJob struct {
	job   *Job
	index int
}

// priorityQueue orders immediate jobs before non-immediate ones, FIFO by
// AddedAt within each group, via container/heap — the one stdlib-backed
// piece of this component: no example repo in the pack carries a
// priority/job-queue library, so a small heap.Interface is the idiomatic
// choice rather than inventing one.
type priorityQueue []*pendingJob

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i].job, pq[j].job
	if a.Immediate != b.Immediate {
		return a.Immediate // immediate sorts first
	}
	return a.AddedAt.Before(b.AddedAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}

func (pq *priorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*pendingJob)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// Snapshot is the diagnostic view returned by Status.
type Snapshot struct {
	Size                       int       `json:"size"`
	InFlight                   bool      `json:"in_flight"`
	InFlightTarget             string    `json:"in_flight_target,omitempty"`
	LastDispatchStart          time.Time `json:"last_dispatch_start,omitempty"`
	BaseSpacing                string    `json:"base_spacing"`
	ConsecutiveRateLimitErrors int       `json:"consecutive_rate_limit_errors"`
	EffectiveSpacing           string    `json:"effective_spacing"`
	PendingTargets             []string  `json:"pending_targets"`
}

// Queue is the process-wide single-consumer job queue.
type Queue struct {
	mu sync.Mutex

	pending  priorityQueue
	byTarget map[string]*Job // non-completed job per target, for dedup
	inFlight *Job

	lastDispatchStart          time.Time
	lastRateLimitError         time.Time
	consecutiveRateLimitErrors int

	baseSpacing time.Duration
	maxBackoff  time.Duration

	run    RunFunc
	logger *logrus.Logger

	wake chan struct{}
}

// New builds a Queue. baseSpacing and maxBackoff correspond to
// MIN_TIME_BETWEEN_JOBS_MS and the backoff ceiling.
func New(run RunFunc, baseSpacing, maxBackoff time.Duration, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	q := &Queue{
		byTarget:    make(map[string]*Job),
		baseSpacing: baseSpacing,
		maxBackoff:  maxBackoff,
		run:         run,
		logger:      logger,
		wake:        make(chan struct{}, 1),
	}
	heap.Init(&q.pending)
	return q
}

// Add enqueues a Job for target, or returns the Future of an existing
// non-completed Job for the same target (deduplication). If the queue
// was idle or immediate is set, the dispatcher is kicked immediately.
func (q *Queue) Add(target Target, immediate bool, trackingID string, userID *string) *Future {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := target.key()
	if existing, ok := q.byTarget[key]; ok {
		if immediate && !existing.Immediate {
			existing.Immediate = true
			heap.Fix(&q.pending, q.indexOfLocked(existing))
		}
		return existing.future
	}

	job := &Job{
		ID:         uuid.NewString(),
		Target:     target,
		Immediate:  immediate,
		TrackingID: trackingID,
		UserID:     userID,
		AddedAt:    time.Now(),
		future:     newFuture(),
	}
	q.byTarget[key] = job
	heap.Push(&q.pending, &pendingJob{job: job})

	q.kick()
	return job.future
}

func (q *Queue) indexOfLocked(job *Job) int {
	for _, pj := range q.pending {
		if pj.job == job {
			return pj.index
		}
	}
	return -1
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Kick wakes the dispatcher immediately, used by the manual
// POST /queue/process operator endpoint.
func (q *Queue) Kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kick()
}

// Status returns a diagnostic snapshot of the queue's current state.
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	targets := make([]string, 0, len(q.pending))
	for _, pj := range q.pending {
		targets = append(targets, pj.job.Target.key())
	}

	s := Snapshot{
		Size:                       len(q.pending),
		InFlight:                   q.inFlight != nil,
		LastDispatchStart:          q.lastDispatchStart,
		BaseSpacing:                q.baseSpacing.String(),
		ConsecutiveRateLimitErrors: q.consecutiveRateLimitErrors,
		EffectiveSpacing:           q.effectiveSpacingLocked(time.Now()).String(),
		PendingTargets:             targets,
	}
	if q.inFlight != nil {
		s.InFlightTarget = q.inFlight.Target.key()
	}
	return s
}

// effectiveSpacingLocked implements: effectiveSpacing = max(baseSpacing,
// baseSpacing*2^consecutiveErrors) clamped to maxBackoff, with the
// counter implicitly reset once an hour has passed since the most
// recent rate-limit error.
func (q *Queue) effectiveSpacingLocked(now time.Time) time.Duration {
	errs := q.consecutiveRateLimitErrors
	if errs > 0 && now.Sub(q.lastRateLimitError) > time.Hour {
		errs = 0
	}
	if errs == 0 {
		return q.baseSpacing
	}
	spacing := q.baseSpacing * time.Duration(1<<uint(errs))
	if spacing > q.maxBackoff {
		spacing = q.maxBackoff
	}
	if spacing < q.baseSpacing {
		spacing = q.baseSpacing
	}
	return spacing
}

// Run starts the dispatcher loop and blocks until ctx is canceled.
func (q *Queue) Run(ctx context.Context) {
	for {
		wait, job := q.popReadyLocked()
		if job != nil {
			q.dispatch(ctx, job)
			continue
		}

		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC(timer):
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// popReadyLocked returns (0, job) if a job is ready to dispatch now, or
// (wait, nil) with the duration to sleep before checking again.
func (q *Queue) popReadyLocked() (time.Duration, *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight != nil || len(q.pending) == 0 {
		return time.Hour, nil
	}

	next := q.pending[0].job
	now := time.Now()
	spacing := q.effectiveSpacingLocked(now)
	if !q.lastDispatchStart.IsZero() {
		elapsed := now.Sub(q.lastDispatchStart)
		if elapsed < spacing {
			return spacing - elapsed, nil
		}
	}

	heap.Pop(&q.pending)
	q.inFlight = next
	q.lastDispatchStart = now
	return 0, next
}

func (q *Queue) dispatch(ctx context.Context, job *Job) {
	q.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"platform": job.Target.Platform,
		"username": job.Target.Username,
	}).Info("dispatching tracking job")

	result, err := q.run(ctx, *job)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.inFlight = nil

	if trackererrors.Is(err, trackererrors.RateLimited) {
		q.consecutiveRateLimitErrors++
		q.lastRateLimitError = time.Now()
		q.logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"attempts": q.consecutiveRateLimitErrors,
		}).Warn("job rate limited, re-queueing with backoff")

		heap.Push(&q.pending, &pendingJob{job: job})
		q.kick()
		return
	}

	q.consecutiveRateLimitErrors = 0
	delete(q.byTarget, job.Target.key())
	job.future.complete(result, err)
	q.kick()
}

// Package cookiepool holds the rotating set of scraping credentials used
// by a Scraper Client. One Pool exists per platform; all mutations are
// serialized behind a single mutex since contention is negligible (the
// dispatcher is the only caller in the steady state, plus an auto-reset
// timer), mirroring the teacher's mutex-guarded stateful components.
package cookiepool

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// HardFailThreshold is the failure count at which a credential is
	// marked hard-failed and skipped by rotation until auto-reset.
	HardFailThreshold = 3

	// DefaultResetWindow is how long a hard-failed credential stays out
	// of rotation before the auto-reset timer clears it.
	DefaultResetWindow = 60 * time.Minute

	// DefaultSwitchDelay is the minimum cool-down MarkFailure suggests
	// the caller wait before retrying, measured since the last rotation.
	DefaultSwitchDelay = 30 * time.Second

	// DefaultAutoResetInterval is how often the background timer sweeps
	// for credentials eligible for reset.
	DefaultAutoResetInterval = 5 * time.Minute

	// rateLimitedFailureThreshold is the failure count, within the reset
	// window, at or above which a credential counts as "rate limited" for
	// AllRateLimited purposes. Lower than HardFailThreshold because a
	// credential can be actively rate limited well before it hard-fails.
	rateLimitedFailureThreshold = 2
)

// Credential is one rotation slot: a raw cookie/token string plus its
// failure bookkeeping.
type Credential struct {
	Raw          string
	FailureCount int
	LastFailure  time.Time
	HardFailed   bool
	lastReason   string
}

// Status is the diagnostic snapshot returned by Pool.Status.
type Status struct {
	Platform       string             `json:"platform"`
	CurrentIndex   int                `json:"current_index"`
	TotalCount     int                `json:"total_count"`
	HardFailed     int                `json:"hard_failed"`
	AllRateLimited bool               `json:"all_rate_limited"`
	Credentials    []CredentialStatus `json:"credentials"`
}

// CredentialStatus is the per-credential diagnostic row; Raw is never
// included, only derived metadata.
type CredentialStatus struct {
	Index        int       `json:"index"`
	FailureCount int       `json:"failure_count"`
	HardFailed   bool      `json:"hard_failed"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	LastReason   string    `json:"last_reason,omitempty"`
}

// Pool rotates through a platform's credentials under failure pressure.
type Pool struct {
	mu          sync.Mutex
	platform    string
	credentials []*Credential
	current     int
	lastSwitch  time.Time
	resetWindow time.Duration
	switchDelay time.Duration
	logger      *logrus.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Pool for platform from the given raw credential strings,
// loaded once at process start. An empty list is allowed (Current
// reports none) so the process can still boot and surface a clear error
// at first scrape attempt rather than at startup.
func New(platform string, raw []string, logger *logrus.Logger) *Pool {
	creds := make([]*Credential, 0, len(raw))
	for _, r := range raw {
		creds = append(creds, &Credential{Raw: r})
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pool{
		platform:    platform,
		credentials: creds,
		resetWindow: DefaultResetWindow,
		switchDelay: DefaultSwitchDelay,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Current returns the active credential, or ok=false if the pool is
// empty or every credential is hard-failed.
func (p *Pool) Current() (*Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *Pool) currentLocked() (*Credential, bool) {
	if len(p.credentials) == 0 {
		return nil, false
	}
	if p.credentials[p.current].HardFailed {
		if idx, ok := p.nextActiveLocked(p.current); ok {
			p.current = idx
		} else {
			return nil, false
		}
	}
	return p.credentials[p.current], true
}

// nextActiveLocked finds the next non-hard-failed credential after from,
// wrapping around. Returns false if none are active.
func (p *Pool) nextActiveLocked(from int) (int, bool) {
	n := len(p.credentials)
	for i := 1; i <= n; i++ {
		idx := (from + i) % n
		if !p.credentials[idx].HardFailed {
			return idx, true
		}
	}
	return 0, false
}

// MarkFailure records a failure on the current credential, marks it
// hard-failed once it reaches HardFailThreshold, advances rotation to the
// next non-hard-failed credential on every call, and returns the
// suggested wait before the next attempt.
func (p *Pool) MarkFailure(reason string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.credentials) == 0 {
		return p.switchDelay
	}

	cred := p.credentials[p.current]
	cred.FailureCount++
	cred.LastFailure = time.Now()
	cred.lastReason = reason

	if cred.FailureCount >= HardFailThreshold {
		cred.HardFailed = true
		p.logger.WithFields(logrus.Fields{
			"platform": p.platform,
			"index":    p.current,
			"reason":   reason,
		}).Warn("credential hard-failed, rotating")
	}

	if idx, ok := p.nextActiveLocked(p.current); ok {
		p.current = idx
	}

	wait := p.switchDelay
	if since := time.Since(p.lastSwitch); since < p.switchDelay {
		wait = p.switchDelay - since
	}
	p.lastSwitch = time.Now()

	return wait
}

// MarkSuccess clears the failure count on the current credential.
func (p *Pool) MarkSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.credentials) == 0 {
		return
	}
	cred := p.credentials[p.current]
	cred.FailureCount = 0
	cred.lastReason = ""
}

// AllRateLimited reports whether every credential has at least
// rateLimitedFailureThreshold failures within the reset window.
func (p *Pool) AllRateLimited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.credentials) == 0 {
		return false
	}
	now := time.Now()
	for _, c := range p.credentials {
		if c.FailureCount < rateLimitedFailureThreshold {
			return false
		}
		if now.Sub(c.LastFailure) >= p.resetWindow {
			return false
		}
	}
	return true
}

// RetryAfter returns the max over credentials of (reset window minus
// time since last failure); meaningful only when AllRateLimited is true.
func (p *Pool) RetryAfter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	var max time.Duration
	now := time.Now()
	for _, c := range p.credentials {
		remaining := p.resetWindow - now.Sub(c.LastFailure)
		if remaining > max {
			max = remaining
		}
	}
	if max < 0 {
		return 0
	}
	return max
}

// Status returns a diagnostic snapshot safe to serialize to an operator.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	hardFailed := 0
	rows := make([]CredentialStatus, len(p.credentials))
	for i, c := range p.credentials {
		if c.HardFailed {
			hardFailed++
		}
		rows[i] = CredentialStatus{
			Index:        i,
			FailureCount: c.FailureCount,
			HardFailed:   c.HardFailed,
			LastFailure:  c.LastFailure,
			LastReason:   c.lastReason,
		}
	}

	return Status{
		Platform:       p.platform,
		CurrentIndex:   p.current,
		TotalCount:     len(p.credentials),
		HardFailed:     hardFailed,
		AllRateLimited: p.allRateLimitedLocked(),
		Credentials:    rows,
	}
}

func (p *Pool) allRateLimitedLocked() bool {
	if len(p.credentials) == 0 {
		return false
	}
	now := time.Now()
	for _, c := range p.credentials {
		if c.FailureCount < rateLimitedFailureThreshold {
			return false
		}
		if now.Sub(c.LastFailure) >= p.resetWindow {
			return false
		}
	}
	return true
}

// StartAutoReset launches the background timer that clears hard-fail
// state on credentials whose last failure predates the reset window.
// Rotation never drops a credential permanently: hard-fail is soft and
// always subject to this reset. Call Stop to terminate the timer.
func (p *Pool) StartAutoReset(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAutoResetInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweepReset()
			case <-p.stopCh:
				return
			}
		}
	}()
}

func (p *Pool) sweepReset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for i, c := range p.credentials {
		if c.HardFailed && now.Sub(c.LastFailure) >= p.resetWindow {
			c.HardFailed = false
			c.FailureCount = 0
			p.logger.WithFields(logrus.Fields{
				"platform": p.platform,
				"index":    i,
			}).Info("credential auto-reset after cool-down")
		}
	}
}

// Stop terminates the auto-reset timer, if running. Safe to call multiple
// times and safe to call even if StartAutoReset was never invoked.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// String implements fmt.Stringer for log-friendly diagnostics.
func (s Status) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("cookiepool.Status{platform=%s}", s.Platform)
	}
	return string(b)
}

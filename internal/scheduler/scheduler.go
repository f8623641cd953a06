// Package scheduler fires the two cron-style periodic triggers that
// enqueue tracking jobs for every tracked profile: a daily trigger and
// an optional refresh trigger, both evaluated in a configured time zone.
//
// Grounded on other_examples' richie48-Social-Agent/internal/scheduler.go,
// which wires github.com/robfig/cron/v3 directly into a small struct with
// a diagnostic log line per scheduled tick — the spec itself recommends
// a proper cron library over a hand-rolled "next fire" calculation
// (§9), so the hand-rolled path is not built at all.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// EnqueueAllFunc enqueues a non-immediate tracking job for every tracked
// profile; it must not block waiting for jobs to complete.
type EnqueueAllFunc func(ctx context.Context)

// Scheduler owns the daily and optional refresh cron triggers.
type Scheduler struct {
	cron            *cron.Cron
	tz              *time.Location
	dailySchedule   string
	refreshSchedule string
	enqueueAll      EnqueueAllFunc
	logger          *logrus.Logger

	dailyEntry   cron.EntryID
	refreshEntry cron.EntryID
	hasRefresh   bool
}

// New builds a Scheduler. tzName defaults to Asia/Kolkata if empty, per
// spec. refreshSchedule may be empty to disable the refresh trigger.
func New(tzName, dailySchedule, refreshSchedule string, enqueueAll EnqueueAllFunc, logger *logrus.Logger) (*Scheduler, error) {
	if tzName == "" {
		tzName = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", tzName, err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scheduler{
		cron:            cron.New(cron.WithLocation(loc)),
		tz:              loc,
		dailySchedule:   dailySchedule,
		refreshSchedule: refreshSchedule,
		enqueueAll:      enqueueAll,
		logger:          logger,
	}, nil
}

// Start registers both triggers and begins the cron loop. It does not
// block or wait for job completion; it only calls enqueueAll on each
// tick.
func (s *Scheduler) Start(ctx context.Context) error {
	dailyID, err := s.cron.AddFunc(s.dailySchedule, func() {
		s.logger.WithField("trigger", "daily").Info("firing daily tracking tick")
		s.enqueueAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("registering daily schedule %q: %w", s.dailySchedule, err)
	}
	s.dailyEntry = dailyID

	if s.refreshSchedule != "" {
		refreshID, err := s.cron.AddFunc(s.refreshSchedule, func() {
			s.logger.WithField("trigger", "refresh").Info("firing refresh tracking tick")
			s.enqueueAll(ctx)
		})
		if err != nil {
			return fmt.Errorf("registering refresh schedule %q: %w", s.refreshSchedule, err)
		}
		s.refreshEntry = refreshID
		s.hasRefresh = true
	}

	s.cron.Start()

	for _, e := range s.NextFirings() {
		s.logger.WithFields(logrus.Fields{"next_fire": e, "tz": s.tz.String()}).Info("scheduler armed")
	}

	return nil
}

// Stop halts the cron loop, waiting for any in-progress tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// NextFirings reports the configured schedules and their next firing
// times, used by GET /cron/schedule.
func (s *Scheduler) NextFirings() map[string]time.Time {
	out := make(map[string]time.Time, 2)
	if entry := s.cron.Entry(s.dailyEntry); entry.ID != 0 {
		out["daily"] = entry.Next
	}
	if s.hasRefresh {
		if entry := s.cron.Entry(s.refreshEntry); entry.ID != 0 {
			out["refresh"] = entry.Next
		}
	}
	return out
}

// Schedules returns the configured cron expressions, used alongside
// NextFirings to answer GET /cron/schedule.
func (s *Scheduler) Schedules() map[string]string {
	out := map[string]string{"daily": s.dailySchedule}
	if s.hasRefresh {
		out["refresh"] = s.refreshSchedule
	}
	return out
}

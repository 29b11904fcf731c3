package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
)

const (
	// optionPoolTTL bounds how long a quoted options pool is trusted before
	// the scheduler re-runs the search. Fares are not honored forever.
	optionPoolTTL = 12 * time.Hour

	// messageRetention is how long chat history is kept before pruning.
	messageRetention = 90 * 24 * time.Hour

	// schedPageSize is how many trips a housekeeping job pulls per run. The
	// stores sort by least recently updated, so backlogs drain across ticks.
	schedPageSize = 100
)

// schedDocs is the document-store slice the housekeeping jobs need.
type schedDocs interface {
	MarkSessionsIdle(ctx context.Context, olderThan time.Time) (int64, error)
	ListTripsByStatus(ctx context.Context, status core.TripStatus, limit int) ([]core.TripPlan, error)
	SaveTrip(ctx context.Context, trip *core.TripPlan) error
	GetUserByID(ctx context.Context, id string) (*docstore.User, error)
	PruneMessages(ctx context.Context, before time.Time) (int64, error)
}

// segmentRefresher re-runs inventory search for one segment.
type segmentRefresher interface {
	RefreshSegmentOptions(ctx context.Context, trip *core.TripPlan, segmentID string) error
}

// tripIndexer feeds the full-text index.
type tripIndexer interface {
	IndexTrip(ctx context.Context, trip *core.TripPlan) error
}

// reminderSender is the push notification slice the reminder job needs.
type reminderSender interface {
	Enabled() bool
	TripReminder(ctx context.Context, token string, trip *core.TripPlan)
}

// Scheduler runs periodic housekeeping: idling sessions, refreshing stale
// option pools, booking reminders, history pruning and search reindexing.
// Redis locks keep jobs single-flight across replicas.
type Scheduler struct {
	Docs   schedDocs
	Rdb    *redis.Client
	Agent  segmentRefresher
	Index  tripIndexer
	Notify reminderSender
	Logger *log.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time
}

type schedJob struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

func (s *Scheduler) jobs() []schedJob {
	return []schedJob{
		{"sessions.idle", "@hourly", s.idleSessions},
		{"options.refresh", "@hourly", s.refreshOptions},
		{"bookings.remind", "@daily", s.remindBookings},
		{"conversations.prune", "@daily", s.pruneConversations},
		{"search.reindex", "@daily", s.reindexTrips},
	}
}

// Start launches the scheduling loop; it stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, job := range s.jobs() {
		if !isDue(job.spec, s.last(ctx, job.name)) {
			continue
		}
		if !s.acquire(ctx, job.name) {
			continue
		}
		// jitter to avoid stampedes
		time.Sleep(time.Duration(250+time.Now().UnixNano()%250) * time.Millisecond)

		start := time.Now()
		if err := job.run(ctx); err != nil {
			// lastRun stays put, so the job retries once the lock lapses.
			s.logf("job %s failed: %v", job.name, err)
			continue
		}
		s.setLast(ctx, job.name, start)
	}
}

// acquire takes the distributed lock for one job. The lock is left to lapse
// rather than released; jobs are short and the TTL shadow keeps replicas
// whose own lastRun is empty from re-firing immediately.
func (s *Scheduler) acquire(ctx context.Context, name string) bool {
	if s.Rdb == nil {
		return true
	}
	ok, err := s.Rdb.SetNX(ctx, "sched:lock:"+name, "1", 2*time.Minute).Result()
	if err != nil {
		s.logf("lock %s: %v", name, err)
		return false
	}
	return ok
}

func (s *Scheduler) last(ctx context.Context, name string) *time.Time {
	if s.Rdb != nil {
		raw, err := s.Rdb.Get(ctx, "sched:last:"+name).Result()
		if err == nil {
			if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
				return &t
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.lastRun[name]; ok {
		return &t
	}
	return nil
}

func (s *Scheduler) setLast(ctx context.Context, name string, at time.Time) {
	s.mu.Lock()
	if s.lastRun == nil {
		s.lastRun = map[string]time.Time{}
	}
	s.lastRun[name] = at
	s.mu.Unlock()
	if s.Rdb != nil {
		s.Rdb.Set(ctx, "sched:last:"+name, at.Format(time.RFC3339), 0)
	}
}

// idleSessions moves sessions with no activity for a day out of the active set.
func (s *Scheduler) idleSessions(ctx context.Context) error {
	n, err := s.Docs.MarkSessionsIdle(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if n > 0 {
		s.logf("marked %d sessions idle", n)
	}
	return nil
}

// refreshOptions re-searches SELECTING segments whose pool has gone stale on
// trips that are still being planned.
func (s *Scheduler) refreshOptions(ctx context.Context) error {
	if s.Agent == nil {
		return nil
	}
	cutoff := time.Now().Add(-optionPoolTTL)
	var refreshed int
	for _, status := range []core.TripStatus{core.TripStatusDraft, core.TripStatusPlanning} {
		trips, err := s.Docs.ListTripsByStatus(ctx, status, schedPageSize)
		if err != nil {
			return err
		}
		for i := range trips {
			trip := &trips[i]
			changed := false
			for _, seg := range trip.Segments {
				if seg.Status != core.SegmentSelecting {
					continue
				}
				if seg.SearchedAt != nil && seg.SearchedAt.After(cutoff) {
					continue
				}
				if err := s.Agent.RefreshSegmentOptions(ctx, trip, seg.ID); err != nil {
					s.logf("refresh %s/%s: %v", trip.ID, seg.ID, err)
					continue
				}
				changed = true
				refreshed++
			}
			if changed {
				if err := s.Docs.SaveTrip(ctx, trip); err != nil {
					s.logf("save refreshed trip %s: %v", trip.ID, err)
				}
			}
		}
	}
	if refreshed > 0 {
		s.logf("refreshed %d option pools", refreshed)
	}
	return nil
}

// remindBookings nudges travelers whose trip has sat fully confirmed but
// unbooked for over a day.
func (s *Scheduler) remindBookings(ctx context.Context) error {
	if s.Notify == nil || !s.Notify.Enabled() {
		return nil
	}
	trips, err := s.Docs.ListTripsByStatus(ctx, core.TripStatusReady, schedPageSize)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	var sent int
	for i := range trips {
		trip := &trips[i]
		if trip.UpdatedAt.After(cutoff) {
			continue
		}
		user, err := s.Docs.GetUserByID(ctx, trip.UserID)
		if err != nil || user.PushToken == "" {
			continue
		}
		s.Notify.TripReminder(ctx, user.PushToken, trip)
		sent++
	}
	if sent > 0 {
		s.logf("sent %d booking reminders", sent)
	}
	return nil
}

// pruneConversations drops chat history older than the retention window.
func (s *Scheduler) pruneConversations(ctx context.Context) error {
	n, err := s.Docs.PruneMessages(ctx, time.Now().Add(-messageRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.logf("pruned %d messages", n)
	}
	return nil
}

// reindexTrips rebuilds the full-text index from the trip documents.
func (s *Scheduler) reindexTrips(ctx context.Context) error {
	if s.Index == nil {
		return nil
	}
	statuses := []core.TripStatus{
		core.TripStatusDraft, core.TripStatusPlanning, core.TripStatusReady,
		core.TripStatusBooking, core.TripStatusBooked, core.TripStatusCancelled,
	}
	var indexed int
	for _, status := range statuses {
		trips, err := s.Docs.ListTripsByStatus(ctx, status, schedPageSize)
		if err != nil {
			return err
		}
		for i := range trips {
			if err := s.Index.IndexTrip(ctx, &trips[i]); err != nil {
				s.logf("reindex trip %s: %v", trips[i].ID, err)
				continue
			}
			indexed++
		}
	}
	if indexed > 0 {
		s.logf("reindexed %d trips", indexed)
	}
	return nil
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// isDue determines if a job with cronSpec should run now given its last run.
// Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Fallback: treat as @daily if invalid
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}

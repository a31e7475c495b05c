package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/hybridmode/pkg/logger"
	"github.com/google/uuid"
)

// DefaultSweepSchedule runs the expiry sweep every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

const (
	jobSweep      = "memory_sweep"
	maxJobHistory = 100
)

// Sweepable is anything that can purge expired entries in one pass.
type Sweepable interface {
	Sweep() int
}

// Sweeper purges expired memories on a cron schedule so read-only
// conversations do not keep stale entries around.
type Sweeper struct {
	target   Sweepable
	schedule string
	now      func() time.Time

	mu      sync.Mutex
	history []JobRecord
}

func NewSweeper(target Sweepable, schedule string) (*Sweeper, error) {
	if target == nil {
		return nil, errors.New("sweeper target is nil")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, schedule)
	}
	return &Sweeper{target: target, schedule: schedule, now: time.Now}, nil
}

func (s *Sweeper) Schedule() string { return s.schedule }

// Next returns the first scheduled run strictly after from.
func (s *Sweeper) Next(from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, from, false)
}

// Run blocks, sweeping at every scheduled tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	logger.InfoCF("memory", "Memory sweeper started", map[string]interface{}{
		"schedule": s.schedule,
	})
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("compute next sweep: %w", err)
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("memory", "Memory sweeper stopped")
			return nil
		case <-timer.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep and records it.
func (s *Sweeper) RunOnce() (rec JobRecord) {
	rec = JobRecord{
		ID:        uuid.NewString(),
		JobType:   jobSweep,
		StartedAt: s.now(),
	}
	defer func() {
		if r := recover(); r != nil {
			rec.Status = JobFailed
			rec.Error = fmt.Sprint(r)
		}
		rec.FinishedAt = s.now()
		s.record(rec)
	}()

	rec.Removed = s.target.Sweep()
	rec.Status = JobCompleted
	if rec.Removed > 0 {
		logger.InfoCF("memory", "Expired memories swept", map[string]interface{}{
			"removed": rec.Removed,
		})
	}
	return rec
}

// RestoreJobs replaces the run history, used when restoring backups.
func (s *Sweeper) RestoreJobs(jobs []JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(jobs) > maxJobHistory {
		jobs = jobs[len(jobs)-maxJobHistory:]
	}
	s.history = append([]JobRecord(nil), jobs...)
}

// Jobs returns recorded sweep runs, oldest first.
func (s *Sweeper) Jobs() []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Sweeper) record(rec JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if len(s.history) > maxJobHistory {
		s.history = append([]JobRecord(nil), s.history[len(s.history)-maxJobHistory:]...)
	}
}

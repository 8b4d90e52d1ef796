package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/metrics"
)

// JobFunc is one run of a maintenance job.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule string
	fn       JobFunc
}

// Scheduler runs maintenance jobs on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Metrics

	mu      sync.Mutex
	jobs    map[string]job
	running bool
}

// NewScheduler creates a Scheduler evaluating schedules in loc.
func NewScheduler(loc *time.Location, m *metrics.Metrics) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		metrics: m,
		jobs:    make(map[string]job),
	}
}

// Add registers a job. An empty schedule registers it for Run only.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("job %q: invalid schedule %q: %w", name, schedule, err)
		}
	}
	s.jobs[name] = job{name: name, schedule: schedule, fn: fn}
	return nil
}

// Names returns the registered job names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes one job immediately.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j job) error {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	start := time.Now()
	err := j.fn(ctx)
	s.metrics.SyncRun(j.name, err)
	log := trace.Logger(ctx).With("job", j.name, "duration", time.Since(start))
	if err != nil {
		log.Warn("maintenance job failed", "err", err)
	} else {
		log.Debug("maintenance job finished")
	}
	return err
}

// Start schedules every job with a schedule. Jobs run with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	for _, j := range s.jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, func() { _ = s.run(ctx, j) }); err != nil {
			return fmt.Errorf("job %q: %w", j.name, err)
		}
		slog.Info("maintenance job scheduled", "job", j.name, "schedule", j.schedule)
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

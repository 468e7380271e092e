// Package scheduler runs named background jobs on recurring schedule tiers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/maillist/internal/pkg/ctxlog"
	"github.com/robfig/cron/v3"
)

// Built-in schedule tiers.
const (
	TierHourly     = "hourly"
	TierTwiceDaily = "twicedaily"
	TierDaily      = "daily"
)

var (
	// ErrUnknownSchedule is returned when a job names a tier that was never defined.
	ErrUnknownSchedule = errors.New("unknown schedule")
	// ErrInvalidSchedule is returned when a tier spec cannot be parsed.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrJobNotFound is returned when a job name is not registered.
	ErrJobNotFound = errors.New("job not found")
)

// JobFunc is the work performed on every tick.
type JobFunc func(ctx context.Context) error

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string
	Schedule string
	Spec     string
	Next     time.Time
	Prev     time.Time
}

type job struct {
	id       cron.EntryID
	schedule string
	fn       JobFunc
}

// Scheduler registers jobs by name and runs them on their tier's interval.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	logger cronLogger
	log    *slog.Logger

	mu        sync.Mutex
	schedules map[string]string
	jobs      map[string]job

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option customises the Scheduler.
type Option func(*config)

type config struct {
	location *time.Location
	logger   *slog.Logger
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(c *config) {
		if loc != nil {
			c.location = loc
		}
	}
}

// WithLogger sets the logger used for cron internals and job results.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// New creates a scheduler with the built-in tiers. It does not tick until Start.
func New(opts ...Option) *Scheduler {
	cfg := config{location: time.Local, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := newCronLogger(cfg.logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.location),
			cron.WithLogger(logger),
		),
		parser: parser,
		logger: logger,
		log:    cfg.logger,
		schedules: map[string]string{
			TierHourly:     "@hourly",
			TierTwiceDaily: "@every 12h",
			TierDaily:      "@daily",
		},
		jobs:    make(map[string]job),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// AddSchedule defines or redefines a named tier. Jobs already registered on
// the tier keep their previous interval.
func (s *Scheduler) AddSchedule(name, spec string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSchedule)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSchedule, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[name] = spec
	return nil
}

// Schedules returns the defined tiers and their specs.
func (s *Scheduler) Schedules() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.schedules))
	for k, v := range s.schedules {
		out[k] = v
	}
	return out
}

// Register adds a job under name on the given tier. If a job with that name
// already exists nothing changes and false is returned.
func (s *Scheduler) Register(name, schedule string, fn JobFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return false, nil
	}

	spec, ok := s.schedules[schedule]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSchedule, schedule)
	}

	wrapped := cron.NewChain(
		cron.Recover(s.logger),
		cron.SkipIfStillRunning(s.logger),
	).Then(cron.FuncJob(func() {
		_ = s.invoke(s.jobContext(), name, fn)
	}))

	id, err := s.cron.AddJob(spec, wrapped)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrInvalidSchedule, spec, err)
	}

	s.jobs[name] = job{id: id, schedule: schedule, fn: fn}
	s.log.Info("job scheduled", "job", name, "schedule", schedule, "spec", spec)
	return true, nil
}

// Unregister removes a job. It reports whether the job existed.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.id)
	delete(s.jobs, name)
	s.log.Info("job unscheduled", "job", name)
	return true
}

// Clear removes every registered job.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, j := range s.jobs {
		s.cron.Remove(j.id)
		delete(s.jobs, name)
	}
}

// Scheduled reports whether a job with the given name is registered.
func (s *Scheduler) Scheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Jobs lists registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		entry := s.cron.Entry(j.id)
		infos = append(infos, JobInfo{
			Name:     name,
			Schedule: j.schedule,
			Spec:     s.schedules[j.schedule],
			Next:     entry.Next,
			Prev:     entry.Prev,
		})
	}
	sort.Slice(infos, func(i, k int) bool { return infos[i].Name < infos[k].Name })
	return infos
}

// Run executes a registered job immediately and returns its error.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.invoke(ctx, name, j.fn)
}

// Start begins ticking. Jobs run with a context derived from ctx that is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts ticking, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) invoke(ctx context.Context, name string, fn JobFunc) error {
	ctx = ctxlog.WithLogger(ctx, s.log.With("job", name))

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	recordJobRun(name, err, duration)
	if err != nil {
		s.log.Error("job failed", "job", name, "duration", duration, "error", err)
		return err
	}
	s.log.Info("job completed", "job", name, "duration", duration)
	return nil
}

package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Job is one unit of background upkeep
type Job func(ctx context.Context) error

// JobStats tracks the outcome of a named job
type JobStats struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type registered struct {
	fn    Job
	stats JobStats
}

// parser accepts 5 or 6 field cron expressions and descriptors like @every 1m
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression, or a Go duration such as "90s"
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("schedule string is empty")
	}
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule %q as cron expression or duration: %w", spec, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("schedule %q must be positive", spec)
	}
	return cron.ConstantDelaySchedule{Delay: d}, nil
}

// Scheduler runs named maintenance jobs on cron schedules. Overlapping runs
// of the same job are skipped, and a panicking job is logged and recovered.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	jobs    map[string]*registered
	running map[string]bool
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithJobTimeout bounds every run of every job
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:    make(map[string]*registered),
		running: make(map[string]bool),
		timeout: time.Minute,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger.Sugar()}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return s
}

// Add registers fn under name on the given schedule
func (s *Scheduler) Add(spec, name string, fn Job) error {
	if name == "" || fn == nil {
		return fmt.Errorf("maintenance job requires a name and a function")
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("maintenance job %q already registered", name)
	}
	s.jobs[name] = &registered{fn: fn, stats: JobStats{Name: name, Schedule: spec}}
	s.cron.Schedule(sched, cron.FuncJob(func() { _ = s.run(s.ctx, name) }))

	s.logger.Debug("maintenance job registered", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// RunNow runs a job immediately in the caller's goroutine
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("maintenance job %q not found", name)
	}
	return s.run(ctx, name)
}

// Start begins scheduling in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Strings("jobs", s.Names()))
}

// Stop halts scheduling, cancels in-flight runs and waits for them up to ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for maintenance jobs: %w", ctx.Err())
	}
}

// Names returns the registered job names, sorted
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := lo.Keys(s.jobs)
	sort.Strings(names)
	return names
}

// Stats returns per-job counters, sorted by name
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.MapToSlice(s.jobs, func(_ string, r *registered) JobStats { return r.stats })
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) run(ctx context.Context, name string) error {
	s.mu.Lock()
	job := s.jobs[name]
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Debug("maintenance job still running, skipping", zap.String("job", name))
		return nil
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := job.fn(runCtx)

	s.mu.Lock()
	job.stats.Runs++
	job.stats.LastRun = start
	job.stats.LastError = ""
	if err != nil {
		job.stats.Failures++
		job.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("maintenance job failed",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	s.logger.Debug("maintenance job completed",
		zap.String("job", name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

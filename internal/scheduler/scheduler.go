// Package scheduler runs the recurring jobs — feed ingestion, backups,
// retention — on fixed intervals. It wraps robfig/cron so jobs get panic
// recovery and rescheduling for free.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a unit of scheduled work. The context is the scheduler's run
// context; it is canceled when the scheduler stops.
type Job func(ctx context.Context) error

// JobStatus describes one registered job.
type JobStatus struct {
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run"`
	Running  bool          `json:"running"`
}

type jobState struct {
	entry    cron.EntryID
	interval time.Duration
	lastRun  time.Time
	running  bool
}

// Scheduler owns the cron runner and the job registry.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*jobState
}

// New creates a stopped Scheduler.
func New(logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]*jobState),
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{logger})))
	return s
}

// Start begins executing scheduled jobs. ctx is passed to every job run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ScheduleEvery registers job under id to run every interval. Scheduling an
// existing id replaces its previous schedule. When immediate is set the job
// also runs once right away.
func (s *Scheduler) ScheduleEvery(id string, interval time.Duration, job Job, immediate bool) {
	s.mu.Lock()
	if prev, ok := s.jobs[id]; ok {
		s.cron.Remove(prev.entry)
	}
	state := &jobState{interval: interval}
	state.entry = s.cron.Schedule(constantDelay(interval), cron.FuncJob(func() {
		s.run(id, job)
	}))
	s.jobs[id] = state
	s.mu.Unlock()

	s.logger.Info("job scheduled",
		slog.String("job", id), slog.Duration("interval", interval))
	if immediate {
		go s.run(id, job)
	}
}

// Remove unschedules a job.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.jobs[id]; ok {
		s.cron.Remove(state.entry)
		delete(s.jobs, id)
	}
}

// Status reports every registered job.
func (s *Scheduler) Status() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStatus, len(s.jobs))
	for id, state := range s.jobs {
		out[id] = JobStatus{
			Interval: state.interval,
			LastRun:  state.lastRun,
			Running:  state.running,
		}
	}
	return out
}

func (s *Scheduler) run(id string, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	state, ok := s.jobs[id]
	if ok {
		if state.running {
			// Overlapping runs are skipped; the next tick tries again.
			s.mu.Unlock()
			s.logger.Warn("job still running, skipping tick", slog.String("job", id))
			return
		}
		state.running = true
		state.lastRun = time.Now()
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if state, ok := s.jobs[id]; ok {
			state.running = false
		}
		s.mu.Unlock()
		if r := recover(); r != nil {
			s.logger.Error("job panicked", slog.String("job", id), slog.Any("panic", r))
		}
	}()

	if err := job(ctx); err != nil {
		s.logger.Warn("job failed", slog.String("job", id), slog.Any("error", err))
	}
}

// constantDelay is a cron.Schedule for fixed intervals. Unlike cron.Every it
// does not round sub-second intervals up.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.logger.Debug(msg, slog.Any("cron", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.logger.Error(msg, slog.Any("error", err), slog.Any("cron", kv))
}

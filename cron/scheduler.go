package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs. The
// engine provides the implementation.
type EnqueueFunc func(ctx context.Context, name string, payload []byte, opts ...job.Option) (id.JobID, error)

// Emitter emits cron lifecycle events.
type Emitter interface {
	EmitCronFired(ctx context.Context, entryName string, jobID id.JobID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL of per-entry locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// NextRun returns the first activation of expr strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Scheduler runs recurring entries on a tick loop.
type Scheduler struct {
	store    Store
	enqueue  EnqueueFunc
	emitter  Emitter
	workerID id.WorkerID
	logger   *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration

	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	store Store,
	enqueue EnqueueFunc,
	emitter Emitter,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		enqueue:      enqueue,
		emitter:      emitter,
		workerID:     workerID,
		logger:       logger,
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("cron scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick goroutine.
func (s *Scheduler) Stop(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires every enabled entry that is due. It is exported so callers can
// drive the scheduler without the background loop.
func (s *Scheduler) Tick(ctx context.Context) {
	entries, err := s.store.ListCrons(ctx)
	if err != nil {
		s.logger.Error("list crons error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.Enabled || entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		if _, fireErr := s.fire(ctx, entry, now, true); fireErr != nil {
			s.logger.Error("cron fire error",
				slog.String("cron_name", entry.Name),
				slog.String("error", fireErr.Error()),
			)
		}
	}
}

// Trigger enqueues the entry's job immediately without moving its
// schedule. It returns the enqueued job ID, or id.Nil when another worker
// holds the entry's lock.
func (s *Scheduler) Trigger(ctx context.Context, entry *Entry) (id.JobID, error) {
	return s.fire(ctx, entry, time.Now().UTC(), false)
}

func (s *Scheduler) fire(ctx context.Context, entry *Entry, now time.Time, advance bool) (id.JobID, error) {
	acquired, err := s.store.AcquireCronLock(ctx, entry.ID, s.workerID, s.lockTTL)
	if err != nil {
		return id.Nil, fmt.Errorf("acquire lock for %q: %w", entry.Name, err)
	}
	if !acquired {
		return id.Nil, nil
	}
	defer func() {
		if relErr := s.store.ReleaseCronLock(ctx, entry.ID, s.workerID); relErr != nil {
			s.logger.Error("release cron lock error",
				slog.String("cron_id", entry.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	var opts []job.Option
	if entry.Queue != "" {
		opts = append(opts, job.WithQueue(entry.Queue))
	}
	jobID, err := s.enqueue(ctx, entry.JobName, entry.Payload, opts...)
	if err != nil {
		return id.Nil, fmt.Errorf("enqueue %q for %q: %w", entry.JobName, entry.Name, err)
	}

	if updateErr := s.store.UpdateCronLastRun(ctx, entry.ID, now, jobID); updateErr != nil {
		s.logger.Error("update cron last run error",
			slog.String("cron_id", entry.ID.String()),
			slog.String("error", updateErr.Error()),
		)
	}

	if advance {
		sched, parseErr := s.schedule(entry.Schedule)
		if parseErr != nil {
			return jobID, fmt.Errorf("parse schedule %q: %w", entry.Schedule, parseErr)
		}
		next := sched.Next(now)
		entry.NextRunAt = &next
		entry.LastRunAt = &now
		entry.LastJobID = jobID
		if updateErr := s.store.UpdateCronEntry(ctx, entry); updateErr != nil {
			s.logger.Error("update cron next run error",
				slog.String("cron_id", entry.ID.String()),
				slog.String("error", updateErr.Error()),
			)
		}
	}

	if s.emitter != nil {
		s.emitter.EmitCronFired(ctx, entry.Name, jobID)
	}
	s.logger.Info("cron fired",
		slog.String("cron_name", entry.Name),
		slog.String("job_name", entry.JobName),
		slog.String("job_id", jobID.String()),
	)
	return jobID, nil
}

func (s *Scheduler) schedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
)

// QueueManager admits dequeued jobs per queue. queue.Manager satisfies it.
type QueueManager interface {
	Acquire(queue string) (ok bool, retryAfter time.Duration)
	Release(queue string)
}

var errPoolStopping = errors.New("worker pool stopping")

// Pool runs concurrent dequeue loops over a job store.
type Pool struct {
	store        job.Store
	executor     *Executor
	emitter      Emitter
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	heartbeatInterval time.Duration
	staleJobThreshold time.Duration
	queueManager      QueueManager

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelCauseFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of dequeue loops.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool polls.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how long an idle loop sleeps.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval enables heartbeats for running jobs.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleJobThreshold enables reaping of running jobs whose heartbeat is
// older than d.
func WithStaleJobThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleJobThreshold = d }
}

// WithQueueManager gates jobs through m before they run.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a pool with ten loops polling "default" every second.
func NewPool(store job.Store, executor *Executor, emitter Emitter, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:        store,
		executor:     executor,
		emitter:      emitter,
		concurrency:  10,
		queues:       []string{"default"},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID identifies this pool in heartbeats.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the loops and returns. Starting twice is a no-op.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.every(p.heartbeatInterval, p.sendHeartbeats)
	}
	if p.staleJobThreshold > 0 {
		p.wg.Add(1)
		go p.every(p.staleJobThreshold, p.reapStaleJobs)
	}
	return nil
}

// Stop signals the loops and waits for running jobs. When ctx ends first the
// remaining jobs are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelAll(errPoolStopping)
		<-done
	}
	return nil
}

// CancelJob cancels a job running in this pool with cause. It reports
// whether the job was running here.
func (p *Pool) CancelJob(jobID id.JobID, cause error) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	cancel, ok := p.activeJobs[jobID.String()]
	if ok {
		cancel(cause)
	}
	return ok
}

// ActiveJobs returns how many jobs are executing.
func (p *Pool) ActiveJobs() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		jobs, err := p.store.DequeueJobs(context.Background(), p.queues, 1)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if len(jobs) == 0 {
			p.sleep()
			continue
		}
		p.run(jobs[0])
	}
}

func (p *Pool) run(j *job.Job) {
	if p.queueManager != nil {
		ok, retryAfter := p.queueManager.Acquire(j.Queue)
		if !ok {
			p.pushBack(j, max(retryAfter, p.pollInterval))
			p.sleep()
			return
		}
		defer p.queueManager.Release(j.Queue)
	}

	j.WorkerID = p.workerID
	p.emitter.EmitJobStarted(context.Background(), j)

	ctx, cancel := context.WithCancelCause(context.Background())
	key := j.ID.String()
	p.activeMu.Lock()
	p.activeJobs[key] = cancel
	p.activeMu.Unlock()

	if err := p.executor.Execute(ctx, j); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", key),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
	}

	p.activeMu.Lock()
	delete(p.activeJobs, key)
	p.activeMu.Unlock()
	cancel(nil)
}

// pushBack returns a refused job to pending without spending an attempt.
func (p *Pool) pushBack(j *job.Job, delay time.Duration) {
	j.State = job.StatePending
	j.RunAt = time.Now().UTC().Add(delay)
	j.StartedAt = nil
	j.HeartbeatAt = nil
	if err := p.store.UpdateJob(context.Background(), j); err != nil {
		p.logger.Error("failed to return throttled job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) every(interval time.Duration, fn func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	ids := make([]string, 0, len(p.activeJobs))
	for k := range p.activeJobs {
		ids = append(ids, k)
	}
	p.activeMu.Unlock()

	for _, raw := range ids {
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			continue
		}
		if err := p.store.HeartbeatJob(context.Background(), jobID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", raw),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) reapStaleJobs() {
	stale, err := p.store.ReapStaleJobs(context.Background(), p.staleJobThreshold)
	if err != nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
		return
	}
	for _, j := range stale {
		j.State = job.StatePending
		j.RunAt = time.Now().UTC()
		j.WorkerID = id.Nil
		j.HeartbeatAt = nil
		j.StartedAt = nil
		if err := p.store.UpdateJob(context.Background(), j); err != nil {
			p.logger.Error("failed to reset stale job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.logger.Info("reaped stale job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) cancelAll(cause error) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for key, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", key))
		cancel(cause)
	}
}

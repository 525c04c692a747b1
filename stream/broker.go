package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/flowbridge/ext"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

var (
	_ ext.Extension             = (*Broker)(nil)
	_ ext.JobEnqueued           = (*Broker)(nil)
	_ ext.JobStarted            = (*Broker)(nil)
	_ ext.JobCompleted          = (*Broker)(nil)
	_ ext.JobFailed             = (*Broker)(nil)
	_ ext.JobRetrying           = (*Broker)(nil)
	_ ext.JobCancelled          = (*Broker)(nil)
	_ ext.WorkflowStarted       = (*Broker)(nil)
	_ ext.WorkflowStepCompleted = (*Broker)(nil)
	_ ext.WorkflowStepFailed    = (*Broker)(nil)
	_ ext.WorkflowCompleted     = (*Broker)(nil)
	_ ext.WorkflowFailed        = (*Broker)(nil)
	_ ext.WorkflowCancelled     = (*Broker)(nil)
	_ ext.OutcomeRecorded       = (*Broker)(nil)
	_ ext.CronFired             = (*Broker)(nil)
	_ ext.Shutdown              = (*Broker)(nil)
)

const (
	DefaultBufferSize       = 256
	DefaultCredits    int64 = 1000
)

var (
	// ErrBrokerClosed is returned by Subscribe after shutdown.
	ErrBrokerClosed = errors.New("stream: broker closed")
	// ErrDuplicateSubscriber is returned when the subscriber ID is taken.
	ErrDuplicateSubscriber = errors.New("stream: duplicate subscriber")
)

// Broker receives lifecycle hooks and publishes them to subscribers.
type Broker struct {
	topics *topicSet
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	subs   map[string]*Subscriber
	closed bool

	published atomic.Int64
	dropped   atomic.Int64

	bufferSize int
	credits    int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDefaultCredits sets the credits a new subscriber starts with.
func WithDefaultCredits(n int64) BrokerOption {
	return func(b *Broker) { b.credits = n }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker returns a broker with no subscribers.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:     newTopicSet(),
		logger:     logger,
		now:        time.Now,
		subs:       make(map[string]*Subscriber),
		bufferSize: DefaultBufferSize,
		credits:    DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	filter  func(*Event) bool
	credits int64
}

// WithFilter delivers only the events for which fn returns true.
func WithFilter(fn func(*Event) bool) SubscribeOption {
	return func(c *subscribeConfig) { c.filter = fn }
}

// WithTypes delivers only events of the given types.
func WithTypes(types ...EventType) SubscribeOption {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return WithFilter(func(e *Event) bool { return set[e.Type] })
}

// WithCredits overrides the broker's default credits for one subscriber.
func WithCredits(n int64) SubscribeOption {
	return func(c *subscribeConfig) { c.credits = n }
}

// Subscribe registers subscriberID on topics. Every topic must pass
// ValidateTopic.
func (b *Broker) Subscribe(subscriberID string, topics []string, opts ...SubscribeOption) (*Subscriber, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("stream: subscriber %s: no topics", subscriberID)
	}
	for _, t := range topics {
		if err := ValidateTopic(t); err != nil {
			return nil, err
		}
	}
	cfg := subscribeConfig{credits: b.credits}
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if _, taken := b.subs[subscriberID]; taken {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscriber, subscriberID)
	}
	sub := newSubscriber(subscriberID, b.bufferSize, cfg.credits, cfg.filter)
	b.subs[subscriberID] = sub
	for _, t := range topics {
		b.topics.add(t, sub)
	}
	return sub, nil
}

// Unsubscribe removes the subscriber from every topic and closes its
// channel. Unknown IDs are ignored.
func (b *Broker) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	sub, ok := b.subs[subscriberID]
	delete(b.subs, subscriberID)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.topics.removeAll(subscriberID)
	sub.close()
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Topics      int   `json:"topics"`
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns current counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return Stats{
		Topics:      b.topics.len(),
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Broker) SubscriberCount(topic string) int { return b.topics.subscribers(topic) }

// Publish sends a custom event to the global topics of its type plus the
// given entity topics.
func (b *Broker) Publish(typ EventType, payload any, entityTopics ...string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal %s payload: %w", typ, err)
	}
	evt := &Event{Type: typ, Timestamp: b.now().UTC(), Data: data}
	if len(entityTopics) > 0 {
		evt.Topic = entityTopics[0]
	}
	topics := append([]string{TopicFirehose}, entityTopics...)
	switch typ {
	case EventJobEnqueued, EventJobStarted, EventJobCompleted, EventJobFailed, EventJobRetrying, EventJobCancelled:
		topics = append(topics, TopicJobs)
	case EventWorkflowStarted, EventWorkflowStepCompleted, EventWorkflowStepFailed,
		EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		topics = append(topics, TopicWorkflows)
	case EventOutcomeRecorded:
		topics = append(topics, TopicOutcomes)
	}

	sent, missed := b.topics.broadcast(topics, evt)
	b.published.Add(int64(sent))
	b.dropped.Add(int64(missed))
	return nil
}

// emit publishes from a lifecycle hook. Hooks never fail the lifecycle.
func (b *Broker) emit(typ EventType, payload any, entityTopics ...string) error {
	if err := b.Publish(typ, payload, entityTopics...); err != nil {
		b.logger.Warn("stream event not published",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func jobData(j *job.Job) JobEventData {
	return JobEventData{JobID: j.ID.String(), JobName: j.Name, Queue: j.Queue}
}

func jobTopics(j *job.Job) []string {
	return []string{JobTopic(j.ID.String()), QueueTopic(j.Queue)}
}

func runData(r *workflow.Run) RunEventData {
	return RunEventData{InstanceID: r.ID.String(), Name: r.Name, Version: r.Version}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// OnJobEnqueued implements ext.JobEnqueued.
func (b *Broker) OnJobEnqueued(_ context.Context, j *job.Job) error {
	return b.emit(EventJobEnqueued, jobData(j), jobTopics(j)...)
}

// OnJobStarted implements ext.JobStarted.
func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	return b.emit(EventJobStarted, jobData(j), jobTopics(j)...)
}

// OnJobCompleted implements ext.JobCompleted.
func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	d := jobData(j)
	d.ElapsedMs = elapsed.Milliseconds()
	return b.emit(EventJobCompleted, d, jobTopics(j)...)
}

// OnJobFailed implements ext.JobFailed.
func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	d := jobData(j)
	d.Error = errText(jobErr)
	return b.emit(EventJobFailed, d, jobTopics(j)...)
}

// OnJobRetrying implements ext.JobRetrying.
func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	d := jobData(j)
	d.Attempt = attempt
	d.Error = j.LastError
	d.NextRunAt = nextRunAt.UTC().Format(time.RFC3339)
	return b.emit(EventJobRetrying, d, jobTopics(j)...)
}

// OnJobCancelled implements ext.JobCancelled.
func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	return b.emit(EventJobCancelled, jobData(j), jobTopics(j)...)
}

// OnWorkflowStarted implements ext.WorkflowStarted.
func (b *Broker) OnWorkflowStarted(_ context.Context, r *workflow.Run) error {
	return b.emit(EventWorkflowStarted, runData(r), InstanceTopic(r.ID.String()))
}

// OnWorkflowStepCompleted implements ext.WorkflowStepCompleted.
func (b *Broker) OnWorkflowStepCompleted(_ context.Context, r *workflow.Run, step string, elapsed time.Duration) error {
	d := runData(r)
	d.Step = step
	d.ElapsedMs = elapsed.Milliseconds()
	return b.emit(EventWorkflowStepCompleted, d, InstanceTopic(r.ID.String()))
}

// OnWorkflowStepFailed implements ext.WorkflowStepFailed.
func (b *Broker) OnWorkflowStepFailed(_ context.Context, r *workflow.Run, step string, stepErr error) error {
	d := runData(r)
	d.Step = step
	d.Error = errText(stepErr)
	return b.emit(EventWorkflowStepFailed, d, InstanceTopic(r.ID.String()))
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (b *Broker) OnWorkflowCompleted(_ context.Context, r *workflow.Run, elapsed time.Duration) error {
	d := runData(r)
	d.ElapsedMs = elapsed.Milliseconds()
	return b.emit(EventWorkflowCompleted, d, InstanceTopic(r.ID.String()))
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (b *Broker) OnWorkflowFailed(_ context.Context, r *workflow.Run, runErr error) error {
	d := runData(r)
	d.Error = errText(runErr)
	return b.emit(EventWorkflowFailed, d, InstanceTopic(r.ID.String()))
}

// OnWorkflowCancelled implements ext.WorkflowCancelled.
func (b *Broker) OnWorkflowCancelled(_ context.Context, r *workflow.Run) error {
	return b.emit(EventWorkflowCancelled, runData(r), InstanceTopic(r.ID.String()))
}

// OnOutcomeRecorded implements ext.OutcomeRecorded. The outcome reaches
// both the job's and the instance's topic.
func (b *Broker) OnOutcomeRecorded(_ context.Context, jobID string, o *outcome.Outcome) error {
	return b.emit(EventOutcomeRecorded, OutcomeEventData{
		JobID:      jobID,
		InstanceID: o.WorkflowInstanceID,
		Status:     string(o.Status),
		Error:      o.ErrorMessage,
	}, JobTopic(jobID), InstanceTopic(o.WorkflowInstanceID))
}

// OnCronFired implements ext.CronFired.
func (b *Broker) OnCronFired(_ context.Context, entry string, jobID id.JobID) error {
	return b.emit(EventCronFired, CronEventData{Entry: entry, JobID: jobID.String()}, JobTopic(jobID.String()))
}

// OnShutdown implements ext.Shutdown. It closes every subscriber and
// refuses new ones.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscriber)
	b.closed = true
	b.mu.Unlock()

	for subID, sub := range subs {
		b.topics.removeAll(subID)
		sub.close()
	}
	b.logger.Info("stream broker shut down", slog.Int("subscribers", len(subs)))
	return nil
}

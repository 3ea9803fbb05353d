package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MacJediWizard/keldris-sub016/ext"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Broker)(nil)
	_ ext.JobEnqueued     = (*Broker)(nil)
	_ ext.JobStarted      = (*Broker)(nil)
	_ ext.JobCompleted    = (*Broker)(nil)
	_ ext.JobFailed       = (*Broker)(nil)
	_ ext.JobRetrying     = (*Broker)(nil)
	_ ext.JobDeadLettered = (*Broker)(nil)
	_ ext.JobCanceled     = (*Broker)(nil)
	_ ext.ScheduleFired   = (*Broker)(nil)
	_ ext.Shutdown        = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext hook
// interfaces to receive lifecycle events and fans them out to
// subscribers via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publishJob broadcasts a job event to the firehose, the jobs topic,
// the job's org topic, and the job-specific topic.
func (b *Broker) publishJob(typ EventType, j *job.Job, data JobEventData) {
	evt := &Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(data),
	}
	topics := []string{TopicFirehose, TopicJobs, OrgTopic(j.OrgID), evt.Topic}
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("keldris/stream: marshal event data: " + err.Error())
	}
	return data
}

func (b *Broker) jobData(j *job.Job) JobEventData {
	return JobEventData{
		JobID:   j.ID.String(),
		JobType: string(j.Type),
		OrgID:   j.OrgID,
	}
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobEnqueued(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobEnqueued, j, b.jobData(j))
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	data := b.jobData(j)
	data.WorkerID = j.WorkerID.String()
	b.publishJob(EventJobStarted, j, data)
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	data := b.jobData(j)
	data.ElapsedMs = elapsed.Milliseconds()
	b.publishJob(EventJobCompleted, j, data)
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	data := b.jobData(j)
	data.Error = jobErr.Error()
	b.publishJob(EventJobFailed, j, data)
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, attempt int, nextRetryAt time.Time) error {
	data := b.jobData(j)
	data.Attempt = attempt
	data.NextRetryAt = nextRetryAt.Format(time.RFC3339)
	b.publishJob(EventJobRetrying, j, data)
	return nil
}

func (b *Broker) OnJobDeadLettered(_ context.Context, j *job.Job, jobErr error) error {
	data := b.jobData(j)
	data.Error = jobErr.Error()
	b.publishJob(EventJobDeadLettered, j, data)
	return nil
}

func (b *Broker) OnJobCanceled(_ context.Context, j *job.Job, wasRunning bool) error {
	data := b.jobData(j)
	data.WasRunning = wasRunning
	b.publishJob(EventJobCanceled, j, data)
	return nil
}

// ── Schedule lifecycle hooks ────────────────────────

func (b *Broker) OnScheduleFired(_ context.Context, scheduleID id.ScheduleID, jobID id.JobID) error {
	evt := &Event{
		Type:      EventScheduleFired,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(ScheduleEventData{
			ScheduleID: scheduleID.String(),
			JobID:      jobID.String(),
		}),
	}
	delivered := b.topics.Broadcast([]string{TopicFirehose}, evt)
	b.totalPublished.Add(int64(delivered))
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}

package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
	"github.com/MacJediWizard/keldris-sub016/stream"
)

func newTestBroker(t *testing.T, opts ...stream.BrokerOption) *stream.Broker {
	t.Helper()
	return stream.NewBroker(slog.New(slog.NewTextHandler(testWriter{t}, nil)), opts...)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testJob(orgID string) *job.Job {
	return job.New(orgID, job.TypeBackup, json.RawMessage(`{"path":"/var/data"}`))
}

func recvEvent(t *testing.T, sub *stream.Subscriber) *stream.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestBroker_FirehoseReceivesJobEvents(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe("sub-1", stream.TopicFirehose)

	j := testJob("org-1")
	if err := b.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	evt := recvEvent(t, sub)
	if evt.Type != stream.EventJobEnqueued {
		t.Fatalf("type = %q, want %q", evt.Type, stream.EventJobEnqueued)
	}
	var data stream.JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.JobID != j.ID.String() {
		t.Fatalf("job id = %q, want %q", data.JobID, j.ID)
	}
	if data.OrgID != "org-1" {
		t.Fatalf("org id = %q, want org-1", data.OrgID)
	}
	if data.JobType != string(job.TypeBackup) {
		t.Fatalf("job type = %q", data.JobType)
	}
}

func TestBroker_OrgAndJobTopics(t *testing.T) {
	b := newTestBroker(t)
	j := testJob("org-1")

	orgSub := b.Subscribe("org-sub", stream.OrgTopic("org-1"))
	jobSub := b.Subscribe("job-sub", stream.JobTopic(j.ID.String()))
	otherSub := b.Subscribe("other-sub", stream.OrgTopic("org-2"))

	j.WorkerID = id.NewWorkerID()
	if err := b.OnJobStarted(context.Background(), j); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}

	for _, sub := range []*stream.Subscriber{orgSub, jobSub} {
		evt := recvEvent(t, sub)
		if evt.Type != stream.EventJobStarted {
			t.Fatalf("%s: type = %q", sub.ID(), evt.Type)
		}
		var data stream.JobEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if data.WorkerID != j.WorkerID.String() {
			t.Fatalf("worker id = %q, want %q", data.WorkerID, j.WorkerID)
		}
	}

	select {
	case evt := <-otherSub.C():
		t.Fatalf("org-2 subscriber received %q", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_NoDuplicateDeliveryAcrossTopics(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe("sub-1", stream.TopicFirehose, stream.TopicJobs, stream.OrgTopic("org-1"))

	if err := b.OnJobCompleted(context.Background(), testJob("org-1"), 150*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}

	evt := recvEvent(t, sub)
	var data stream.JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.ElapsedMs != 150 {
		t.Fatalf("elapsed = %d, want 150", data.ElapsedMs)
	}

	select {
	case evt := <-sub.C():
		t.Fatalf("duplicate delivery: %q on %q", evt.Type, evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_RetryAndDeadLetterEvents(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe("sub-1", stream.TopicFirehose)
	j := testJob("org-1")

	nextAt := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := b.OnJobRetrying(context.Background(), j, 2, nextAt); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}
	evt := recvEvent(t, sub)
	if evt.Type != stream.EventJobRetrying {
		t.Fatalf("type = %q", evt.Type)
	}
	var data stream.JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.Attempt != 2 || data.NextRetryAt != nextAt.Format(time.RFC3339) {
		t.Fatalf("retry data = %+v", data)
	}

	if err := b.OnJobDeadLettered(context.Background(), j, errors.New("snapshot upload failed")); err != nil {
		t.Fatalf("OnJobDeadLettered: %v", err)
	}
	evt = recvEvent(t, sub)
	if evt.Type != stream.EventJobDeadLettered {
		t.Fatalf("type = %q", evt.Type)
	}
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.Error != "snapshot upload failed" {
		t.Fatalf("error = %q", data.Error)
	}
}

func TestBroker_ScheduleFired(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe("sub-1", stream.TopicFirehose)

	schedID := id.NewScheduleID()
	jobID := id.NewJobID()
	if err := b.OnScheduleFired(context.Background(), schedID, jobID); err != nil {
		t.Fatalf("OnScheduleFired: %v", err)
	}

	evt := recvEvent(t, sub)
	if evt.Type != stream.EventScheduleFired {
		t.Fatalf("type = %q", evt.Type)
	}
	var data stream.ScheduleEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.ScheduleID != schedID.String() || data.JobID != jobID.String() {
		t.Fatalf("schedule data = %+v", data)
	}
}

func TestBroker_FilterSuppressesEvents(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe("sub-1", stream.TopicFirehose)
	sub.SetFilter(func(evt *stream.Event) bool {
		return evt.Type == stream.EventJobCanceled
	})

	ctx := context.Background()
	j := testJob("org-1")
	if err := b.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	if err := b.OnJobCanceled(ctx, j, true); err != nil {
		t.Fatalf("OnJobCanceled: %v", err)
	}

	evt := recvEvent(t, sub)
	if evt.Type != stream.EventJobCanceled {
		t.Fatalf("type = %q, want canceled only", evt.Type)
	}
	var data stream.JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !data.WasRunning {
		t.Fatal("was_running not set")
	}
}

func TestBroker_CreditsExhaustion(t *testing.T) {
	b := newTestBroker(t, stream.WithDefaultCredits(2))
	sub := b.Subscribe("sub-1", stream.TopicFirehose)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.OnJobEnqueued(ctx, testJob("org-1")); err != nil {
			t.Fatalf("OnJobEnqueued: %v", err)
		}
	}

	received := 0
	for {
		select {
		case <-sub.C():
			received++
		case <-time.After(50 * time.Millisecond):
			if received != 2 {
				t.Fatalf("received %d events, want 2 (credits)", received)
			}
			if sub.Credits() != 0 {
				t.Fatalf("credits = %d, want 0", sub.Credits())
			}

			// Topping up credits resumes delivery.
			sub.AddCredits(10)
			if err := b.OnJobEnqueued(ctx, testJob("org-1")); err != nil {
				t.Fatalf("OnJobEnqueued: %v", err)
			}
			recvEvent(t, sub)
			return
		}
	}
}

func TestBroker_UnsubscribeAndRemove(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe("sub-1", stream.TopicFirehose, stream.TopicJobs)

	b.Unsubscribe("sub-1", stream.TopicFirehose)
	got := sub.Topics()
	if len(got) != 1 || got[0] != stream.TopicJobs {
		t.Fatalf("topics after unsubscribe = %v", got)
	}

	b.RemoveSubscriber("sub-1")
	if _, ok := b.GetSubscriber("sub-1"); ok {
		t.Fatal("subscriber still registered after remove")
	}
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBroker_Stats(t *testing.T) {
	b := newTestBroker(t)
	b.Subscribe("sub-1", stream.TopicFirehose)
	b.Subscribe("sub-2", stream.OrgTopic("org-1"))

	if err := b.OnJobEnqueued(context.Background(), testJob("org-1")); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Fatalf("subscribers = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount != 2 {
		t.Fatalf("topics = %d, want 2", stats.TopicCount)
	}
	if stats.TotalPublished != 2 {
		t.Fatalf("published = %d, want 2", stats.TotalPublished)
	}
}

func TestBroker_ShutdownClosesSubscribers(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe("sub-1", stream.TopicFirehose)

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after shutdown")
	}
}

func TestParseTopicEntity(t *testing.T) {
	tests := []struct {
		topic      string
		entityType string
		entityID   string
	}{
		{"job:job_abc", "job", "job_abc"},
		{"org:org-1", "org", "org-1"},
		{"firehose", "", ""},
	}
	for _, tt := range tests {
		typ, eid := stream.ParseTopicEntity(tt.topic)
		if typ != tt.entityType || eid != tt.entityID {
			t.Errorf("ParseTopicEntity(%q) = (%q, %q), want (%q, %q)",
				tt.topic, typ, eid, tt.entityType, tt.entityID)
		}
	}
}

func TestValidateTopic(t *testing.T) {
	for _, topic := range []string{"jobs", "firehose", "job:job_abc", "org:org-1"} {
		if err := stream.ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v", topic, err)
		}
	}
	for _, topic := range []string{"", "bogus", "agent:x"} {
		if err := stream.ValidateTopic(topic); err == nil {
			t.Errorf("ValidateTopic(%q) = nil, want error", topic)
		}
	}
}

package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-1", TopicJobs)

	evt := &Event{
		Type:      EventJobEnqueued,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-123"),
		Data:      json.RawMessage(`{"job_id":"job-123"}`),
	}
	b.publish(evt)

	// Event should arrive on the subscriber channel.
	select {
	case received := <-sub.C():
		if received.Type != EventJobEnqueued {
			t.Errorf("Type = %q, want %q", received.Type, EventJobEnqueued)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerMultipleTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Subscribe to firehose — should get everything.
	firehose := b.Subscribe("firehose-sub", TopicFirehose)

	// Subscribe to just jobs.
	jobsSub := b.Subscribe("jobs-sub", TopicJobs)

	evt := &Event{
		Type:      EventJobCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-456"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	// Both should receive the event.
	for _, sub := range []*Subscriber{firehose, jobsSub} {
		select {
		case <-sub.C():
			// ok
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s timed out", sub.ID())
		}
	}
}

func TestBrokerStampsMatchedTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	jobsSub := b.Subscribe("jobs-sub", TopicJobs)
	queueSub := b.Subscribe("queue-sub", QueueTopic("inspections"))
	jobSub := b.Subscribe("job-sub", JobTopic("job-777"))

	evt := &Event{
		Type:      EventJobProgress,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-777"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt, QueueTopic("inspections"))

	// Each subscriber sees the event on the topic it subscribed to, not
	// the originating job topic.
	checks := []struct {
		sub  *Subscriber
		want string
	}{
		{jobsSub, TopicJobs},
		{queueSub, QueueTopic("inspections")},
		{jobSub, JobTopic("job-777")},
	}
	for _, c := range checks {
		select {
		case received := <-c.sub.C():
			if received.Topic != c.want {
				t.Errorf("subscriber %s: Topic = %q, want %q", c.sub.ID(), received.Topic, c.want)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s timed out", c.sub.ID())
		}
	}
}

func TestBrokerDeliversPerMatchedSubscription(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// One subscriber on two aggregate topics gets one delivery per
	// subscription, each stamped with its own topic.
	sub := b.Subscribe("multi-sub", TopicJobs, TopicFirehose)

	evt := &Event{
		Type:      EventJobCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-888"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	got := map[string]bool{}
	for range 2 {
		select {
		case received := <-sub.C():
			got[received.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	if !got[TopicJobs] || !got[TopicFirehose] {
		t.Errorf("delivered topics = %v, want both %q and %q", got, TopicJobs, TopicFirehose)
	}
}

func TestBrokerJobTopicIsolation(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Subscribe to one specific job.
	sub := b.Subscribe("job-sub", JobTopic("job-abc"))

	evt := &Event{
		Type:      EventJobProgress,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-abc"),
		Data:      json.RawMessage(`{"phase":"login"}`),
	}
	b.publish(evt)

	select {
	case received := <-sub.C():
		if received.Type != EventJobProgress {
			t.Errorf("Type = %q, want %q", received.Type, EventJobProgress)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")
	}

	// Event for a different job should NOT arrive.
	evt2 := &Event{
		Type:      EventJobProgress,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-other"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt2)

	select {
	case <-sub.C():
		t.Fatal("should not receive event for different job")
	case <-time.After(50 * time.Millisecond):
		// ok — no event
	}
}

func TestBrokerProgressHook(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	jobID := id.NewJobID()
	queueSub := b.Subscribe("queue-sub", QueueTopic("inspections"))

	j := &job.Job{
		ID:    jobID,
		Name:  "compliance.inspect",
		Queue: "inspections",
	}
	p := &job.Progress{
		JobID:       jobID.String(),
		Seq:         7,
		Phase:       job.PhaseFormFill,
		Percent:     55,
		DispenserID: "disp-9",
	}

	if err := b.OnJobProgress(context.Background(), j, p); err != nil {
		t.Fatalf("OnJobProgress: %v", err)
	}

	select {
	case evt := <-queueSub.C():
		if evt.Type != EventJobProgress {
			t.Fatalf("Type = %q, want %q", evt.Type, EventJobProgress)
		}
		var data JobEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatalf("unmarshal event data: %v", err)
		}
		if data.Seq != 7 {
			t.Errorf("Seq = %d, want 7", data.Seq)
		}
		if data.Percent != 55 {
			t.Errorf("Percent = %v, want 55", data.Percent)
		}
		if data.DispenserID != "disp-9" {
			t.Errorf("DispenserID = %q, want %q", data.DispenserID, "disp-9")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event on queue topic")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-rm", TopicFirehose)

	b.RemoveSubscriber("sub-rm")

	evt := &Event{
		Type:      EventJobEnqueued,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("j1"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	// Channel should be closed.
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		// ok
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	_ = b.Subscribe("s1", TopicJobs)
	_ = b.Subscribe("s2", TopicFirehose, QueueTopic("default"))

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount < 2 {
		t.Errorf("TopicCount = %d, want >= 2", stats.TopicCount)
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("credit-sub", 10, 2)

	evt := &Event{Type: EventJobEnqueued, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	// Should accept 2 events (initial credits).
	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if !sub.send(evt) {
		t.Fatal("second send should succeed")
	}

	// Third should fail — no credits.
	if sub.send(evt) {
		t.Fatal("third send should fail (no credits)")
	}

	// Replenish credits.
	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}

	if !sub.send(evt) {
		t.Fatal("send after credit replenishment should succeed")
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter-sub", 10, 100)
	sub.SetFilter(func(e *Event) bool {
		return e.Type == EventJobFailed
	})

	// Should be rejected by filter.
	if sub.send(&Event{Type: EventJobCompleted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("completed event should be filtered out")
	}

	// Should pass filter.
	if !sub.send(&Event{Type: EventJobFailed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("failed event should pass filter")
	}
}

func TestEventTypeTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  EventType
		want bool
	}{
		{EventJobEnqueued, false},
		{EventJobStarted, false},
		{EventJobProgress, false},
		{EventJobRetrying, false},
		{EventJobCompleted, true},
		{EventJobFailed, true},
		{EventJobCancelled, true},
		{EventScheduleFired, false},
	}
	for _, tt := range tests {
		if got := tt.typ.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicJobs, true},
		{TopicFirehose, true},
		{"job:job-123", true},
		{"queue:default", true},
		{"invalid", false},
		{"unknown:entity", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()

	sub1 := NewSubscriber("s1", 10, 100)
	sub2 := NewSubscriber("s2", 10, 100)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	tr.Unsubscribe("topic-a", "s1")
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) after unsubscribe = %d, want 1", tr.SubscriberCount("topic-a"))
	}

	tr.UnsubscribeAll("s1")
	if tr.SubscriberCount("topic-b") != 0 {
		t.Errorf("SubscriberCount(topic-b) after UnsubscribeAll = %d, want 0", tr.SubscriberCount("topic-b"))
	}
}

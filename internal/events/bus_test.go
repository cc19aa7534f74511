package events

import (
	"testing"
	"time"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

func TestBusTopicFiltering(t *testing.T) {
	bus := NewBus(common.NewSilentLogger())

	queueSub := bus.Subscribe(models.TopicQueue)
	defer queueSub.Close()
	allSub := bus.Subscribe()
	defer allSub.Close()

	bus.Publish(models.Event{Topic: models.TopicQueue, Type: models.EventJobQueued})
	bus.Publish(models.Event{Topic: models.TopicModels, Type: models.EventModelState})

	select {
	case ev := <-queueSub.C:
		if ev.Topic != models.TopicQueue {
			t.Errorf("queue subscriber got topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("queue subscriber did not receive its event")
	}
	select {
	case ev := <-queueSub.C:
		t.Errorf("queue subscriber got unexpected event on topic %s", ev.Topic)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.C:
		case <-time.After(time.Second):
			t.Fatalf("catch-all subscriber missing event %d", i)
		}
	}
}

func TestBusPreservesOrder(t *testing.T) {
	bus := NewBus(common.NewSilentLogger())
	sub := bus.Subscribe(models.TopicQueue)
	defer sub.Close()

	types := []string{models.EventJobQueued, models.EventJobStarted, models.EventJobProgress, models.EventJobCompleted}
	for _, typ := range types {
		bus.Publish(models.Event{Topic: models.TopicQueue, Type: typ})
	}

	for i, want := range types {
		select {
		case ev := <-sub.C:
			if ev.Type != want {
				t.Errorf("event %d type = %s, want %s", i, ev.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(common.NewSilentLogger())
	sub := bus.Subscribe(models.TopicQueue)
	defer sub.Close()

	// Nothing drains sub.C, so everything past the buffer is dropped.
	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		bus.Publish(models.Event{Topic: models.TopicQueue, Type: models.EventJobProgress})
	}

	if got := sub.Dropped(); got != 10 {
		t.Errorf("Dropped() = %d, want 10", got)
	}
	if len(sub.C) != defaultSubscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(sub.C), defaultSubscriberBuffer)
	}
}

func TestBusPublishJobMirrorsCompletionToGenerations(t *testing.T) {
	bus := NewBus(common.NewSilentLogger())
	gens := bus.Subscribe(models.TopicGenerations)
	defer gens.Close()

	job := &models.Job{ID: "j1", Type: models.JobTypeGenerate, ModelID: "sd15", Status: models.JobStatusProcessing}
	bus.PublishJob(models.EventJobProgress, job)

	select {
	case ev := <-gens.C:
		t.Errorf("generations topic got %s for a progress event", ev.Type)
	default:
	}

	job.Status = models.JobStatusCompleted
	bus.PublishJob(models.EventJobCompleted, job)

	select {
	case ev := <-gens.C:
		if ev.Type != models.EventJobCompleted {
			t.Errorf("type = %s, want job_completed", ev.Type)
		}
		payload, ok := ev.Payload.(models.JobEventPayload)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.JobID != "j1" || payload.ModelID != "sd15" {
			t.Errorf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("generations topic did not receive completion")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(common.NewSilentLogger())
	sub := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}

	sub.Close()
	sub.Close() // idempotent

	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() after close = %d, want 0", bus.SubscriberCount())
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel still open after Close")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(models.Event{Topic: models.TopicQueue, Type: models.EventJobQueued})
}

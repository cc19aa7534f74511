// Package events provides the in-process topic bus and its WebSocket
// fan-out. Publishers never block: a subscriber that stops draining its
// channel loses events and the loss is counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

const defaultSubscriberBuffer = 64

// Subscription is one subscriber's view of the bus. Events arrive on C in
// publish order per topic.
type Subscription struct {
	C chan models.Event

	topics  map[string]bool
	dropped atomic.Uint64
	bus     *Bus
	closed  bool
}

// Dropped reports how many events were discarded because this
// subscriber's buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Topics returns the topic names this subscription receives.
func (s *Subscription) Topics() []string {
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is a topic-based publish/subscribe broker for server events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool
	logger      *common.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *common.Logger) *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]bool),
		logger:      logger,
	}
}

// Subscribe registers a subscriber for the given topics. With no topics
// the subscription receives every event.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		C:      make(chan models.Event, defaultSubscriberBuffer),
		topics: make(map[string]bool, len(topics)),
		bus:    b,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subscribers, sub)
	close(sub.C)
}

// Publish delivers an event to every subscriber of its topic. Slow
// subscribers have the event dropped rather than blocking the caller.
func (b *Bus) Publish(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if len(sub.topics) > 0 && !sub.topics[event.Topic] {
			continue
		}
		select {
		case sub.C <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// PublishJob emits a job lifecycle event on the queue topic, mirrored to
// the generations topic for image-bearing events.
func (b *Bus) PublishJob(eventType string, job *models.Job) {
	payload := models.JobEventPayload{
		JobID:    job.ID,
		Type:     job.Type,
		ModelID:  job.ModelID,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	}
	b.Publish(models.Event{Topic: models.TopicQueue, Type: eventType, Payload: payload})
	if eventType == models.EventImageCreated || eventType == models.EventJobCompleted {
		b.Publish(models.Event{Topic: models.TopicGenerations, Type: eventType, Payload: payload})
	}
}

// PublishModel emits a model process state event.
func (b *Bus) PublishModel(status *models.ProcessStatus) {
	if status == nil {
		return
	}
	b.Publish(models.Event{
		Topic: models.TopicModels,
		Type:  models.EventModelState,
		Payload: models.ModelEventPayload{
			ModelID: status.ModelID,
			Status:  status.Status,
			PID:     status.PID,
			Port:    status.Port,
		},
	})
}

// PublishDownload emits a download progress event.
func (b *Bus) PublishDownload(d *models.Download) {
	b.Publish(models.Event{
		Topic: models.TopicDownloads,
		Type:  models.EventDownloadState,
		Payload: models.DownloadEventPayload{
			DownloadID:      d.ID,
			Repo:            d.Repo,
			Status:          d.Status,
			Progress:        d.Progress,
			BytesDownloaded: d.BytesDownloaded,
			TotalBytes:      d.TotalBytes,
			SpeedBPS:        d.SpeedBPS,
			ETASeconds:      d.ETASeconds,
			Error:           d.Error,
			Files:           d.Files,
		},
	})
}

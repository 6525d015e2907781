// Package bus is the in-process publish/subscribe spine of the control
// plane. Delivery is best-effort at-least-once within process lifetime;
// subscribers must be idempotent. Slow subscribers lose their oldest
// queued event instead of blocking publishers.
package bus

import (
	"context"
	"sync"
	"time"

	"printfarm/logger"
)

// Topic identifies an event stream.
type Topic string

const (
	TopicPrinterStateChanged  Topic = "printer.state_changed"
	TopicPrinterSlotsReported Topic = "printer.slots_reported"
	TopicPrinterConnected     Topic = "printer.connected"
	TopicPrinterDisconnected  Topic = "printer.disconnected"
	TopicPrinterError         Topic = "printer.error"
	TopicPrinterHMSCode       Topic = "printer.hms_code"
	TopicJobSubmitted         Topic = "job.submitted"
	TopicJobApproved          Topic = "job.approved"
	TopicJobRejected          Topic = "job.rejected"
	TopicJobScheduled         Topic = "job.scheduled"
	TopicJobStarted           Topic = "job.started"
	TopicJobCompleted         Topic = "job.completed"
	TopicJobFailed            Topic = "job.failed"
	TopicSpoolLow             Topic = "inventory.spool_low"
	TopicSpoolEmpty           Topic = "inventory.spool_empty"
	TopicVisionDetection      Topic = "vision.detection"
	TopicBackupCompleted      Topic = "system.backup_completed"
)

// Event is one published occurrence. Payload is a tagged variant struct
// from events.go matching the topic family.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   interface{}
}

// Subscription receives events for the topics it was registered with.
type Subscription struct {
	name   string
	topics map[Topic]bool
	ch     chan Event

	mu     sync.Mutex
	closed bool
}

// C is the subscriber's receive channel. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// defaultQueueSize is the per-subscriber buffer before drop-oldest
// kicks in.
const defaultQueueSize = 64

// Bus fans events out to subscribers on their own buffered channels.
type Bus struct {
	log *logger.Logger

	mu   sync.RWMutex
	subs []*Subscription
	done bool
}

// New creates a bus. log may be nil.
func New(log *logger.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a named subscriber for a set of topics. An empty
// topic list subscribes to everything.
func (b *Bus) Subscribe(name string, topics ...Topic) *Subscription {
	return b.SubscribeBuffered(name, defaultQueueSize, topics...)
}

// SubscribeBuffered is Subscribe with an explicit queue size.
func (b *Bus) SubscribeBuffered(name string, queueSize int, topics ...Topic) *Subscription {
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}
	sub := &Subscription{
		name:   name,
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event, queueSize),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		close(sub.ch)
		sub.closed = true
	}
	sub.mu.Unlock()
}

// Publish delivers an event to every matching subscriber. When a
// subscriber's queue is full, its oldest queued event is dropped to
// make room; the publisher never blocks.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	ev := Event{Topic: topic, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	done := b.done
	b.mu.RUnlock()
	if done {
		return
	}

	for _, sub := range subs {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Queue full: drop the oldest and retry.
				select {
				case dropped := <-sub.ch:
					if b.log != nil {
						b.log.WarnRateLimited("bus-drop-"+sub.name, 30*time.Second,
							"event dropped for slow subscriber",
							"subscriber", sub.name, "topic", string(dropped.Topic))
					}
					continue
				default:
					continue
				}
			}
			break
		}
		sub.mu.Unlock()
	}
}

// Shutdown stops accepting publishes and closes all subscriber
// channels, then waits up to the deadline for queues to drain.
func (b *Bus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
		sub.mu.Unlock()
	}

	// Give in-flight handlers a bounded window to finish their queues.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := 0
		for _, sub := range subs {
			pending += len(sub.ch)
		}
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			if b.log != nil {
				b.log.Warn("bus shutdown deadline reached with undelivered events",
					"pending", pending)
			}
			return
		case <-ticker.C:
		}
	}
}

// Package bus is the in-process notification bus. Topics are identified by
// string (one per thread, "topic-<thread_id>"); each subscriber is a
// (topic, client_id) pair with its own bounded FIFO queue. Publishing never
// blocks on a slow consumer: a full queue drops its oldest event.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 1024

var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrNotSubscribed = errors.New("client not subscribed to topic")
)

// Notification binds an event to the topic it should be delivered on.
type Notification struct {
	Topic string
	Event Event
}

// Queue is one subscriber's bounded FIFO delivery queue.
type Queue struct {
	ch     chan Event
	closed chan struct{}
}

// Pop returns the next event, or ok=false when the timeout elapses or the
// queue is closed. Timeouts are not errors.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-q.ch:
		return ev, ok
	case <-q.closed:
		// Drain anything enqueued before the close.
		select {
		case ev, ok := <-q.ch:
			return ev, ok
		default:
			return nil, false
		}
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Closed reports delivery shutdown for this subscriber.
func (q *Queue) Closed() <-chan struct{} { return q.closed }

type topic struct {
	subscribers map[string]*Queue // key is client id
}

// Bus fans notifications out to topic subscribers.
type Bus struct {
	mu        sync.Mutex
	topics    map[string]*topic
	queueSize int
	logger    *slog.Logger
	dropped   atomic.Int64
}

// New creates a bus. queueSize <= 0 selects the default bound of 1024
// events per subscriber.
func New(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics:    make(map[string]*topic),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe registers client under topicName, lazily creating the topic.
// Subscribing twice with the same (topic, client) returns the existing
// queue.
func (b *Bus) Subscribe(topicName, clientID string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{subscribers: make(map[string]*Queue)}
		b.topics[topicName] = t
	}
	if q, ok := t.subscribers[clientID]; ok {
		return q
	}
	q := &Queue{
		ch:     make(chan Event, b.queueSize),
		closed: make(chan struct{}),
	}
	t.subscribers[clientID] = q
	b.logger.Debug("bus subscribe", "topic", topicName, "client_id", clientID)
	return q
}

// Unsubscribe removes the client's queue and closes it; an empty topic is
// removed with it.
func (b *Bus) Unsubscribe(topicName, clientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return ErrTopicNotFound
	}
	q, ok := t.subscribers[clientID]
	if !ok {
		return ErrNotSubscribed
	}
	delete(t.subscribers, clientID)
	close(q.closed)
	if len(t.subscribers) == 0 {
		delete(b.topics, topicName)
		b.logger.Debug("bus topic removed", "topic", topicName)
	}
	return nil
}

// Publish delivers one notification. A missing topic is a logged no-op.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(n)
}

// PublishAll delivers a batch of notifications under one lock acquisition,
// preserving their order for any subscriber that sees more than one.
func (b *Bus) PublishAll(notifications []Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range notifications {
		b.publishLocked(n)
	}
}

func (b *Bus) publishLocked(n Notification) {
	t, ok := b.topics[n.Topic]
	if !ok {
		b.logger.Debug("bus publish to unknown topic", "topic", n.Topic, "event", n.Event.EventType())
		return
	}
	for clientID, q := range t.subscribers {
		select {
		case q.ch <- n.Event:
		default:
			// Full queue: drop the oldest event so the subscriber keeps
			// seeing recent state.
			select {
			case <-q.ch:
			default:
			}
			select {
			case q.ch <- n.Event:
			default:
			}
			count := b.dropped.Add(1)
			b.logger.Warn("bus dropped event for slow subscriber",
				"topic", n.Topic, "client_id", clientID, "dropped_total", count)
		}
	}
}

// SubscriberCount returns how many subscribers a topic currently has.
func (b *Bus) SubscriberCount(topicName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return 0
	}
	return len(t.subscribers)
}

// DroppedEventCount returns the total number of events dropped on full
// queues.
func (b *Bus) DroppedEventCount() int64 {
	return b.dropped.Load()
}

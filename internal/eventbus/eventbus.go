// Package eventbus implements the in-process admin event stream spec.md
// §5 describes: single-producer-per-source, multi-consumer, bounded
// per-subscriber channels that drop the oldest entry on overflow rather
// than ever block a producer. An optional Redis pub/sub backend extends
// fan-out across processes, selected the same way the teacher's
// InitCaches chooses Redis-or-memory from REDIS_URL.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one admin-visible log line or state delta: a signer log event,
// a peer status change, or a structured audit entry for a policy/admin
// action (SPEC_FULL's supplemented audit log).
type Event struct {
	Kind      string      `json:"kind"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

const subscriberBufferSize = 64

type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int

	redis     *redis.Client
	redisChan string
	log       *slog.Logger
}

// New creates an in-process bus. If redisURL is non-empty, Publish also
// fans the event out over a Redis pub/sub channel for cross-process
// consumers; subscribing to that channel is the operator's responsibility
// outside this daemon, so Subscribe here only ever serves local consumers.
func New(redisURL string, log *slog.Logger) *Bus {
	b := &Bus{
		subscribers: make(map[int]chan Event),
		redisChan:   "igloo:events",
		log:         log,
	}
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Warn("invalid REDIS_URL, event bus staying in-process only", "error", err)
			return b
		}
		b.redis = redis.NewClient(opts)
	}
	return b
}

// Publish delivers event to every current subscriber without blocking; a
// subscriber whose buffer is full has its oldest queued event discarded to
// make room, per spec.md §5's event-bus discipline.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Buffer full: drop the oldest entry, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}

	if b.redis != nil {
		buf, err := json.Marshal(evt)
		if err == nil {
			if err := b.redis.Publish(context.Background(), b.redisChan, buf).Err(); err != nil {
				b.log.Warn("event bus redis publish failed", "error", err)
			}
		}
	}
}

// Subscribe registers a new bounded-capacity consumer and returns it plus
// an unsubscribe func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBufferSize)
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		close(ch)
	}
}

func (b *Bus) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
}

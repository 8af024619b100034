package kv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"vidgen/internal/models"
)

// EventChannel is the pub/sub channel carrying post-commit job events.
const EventChannel = "jobs:events"

// Event types published by the lifecycle manager.
const (
	EventJobCreated       = "job.created"
	EventJobStatusChanged = "job.status_changed"
)

// Event announces a committed job mutation. Workers subscribe to start
// pipeline processing; a dispatch failure can never corrupt job state
// because the event is emitted only after the atomic batch commits.
type Event struct {
	Type   string        `json:"type"`
	JobID  string        `json:"job_id"`
	UserID string        `json:"user_id"`
	Status models.Status `json:"status"`
	At     time.Time     `json:"at"`
}

// Bus publishes and consumes job events over the store's pub/sub primitive.
type Bus struct {
	rdb *redis.Client
}

func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Publish sends an event. Delivery is best-effort fan-out; callers treat
// failures as non-fatal.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return Wrap("publish event", b.rdb.Publish(ctx, EventChannel, payload).Err())
}

// Subscribe returns a channel of decoded events and a stop function.
// Undecodable messages are dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := b.rdb.Subscribe(ctx, EventChannel)
	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}

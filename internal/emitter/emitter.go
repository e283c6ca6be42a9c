// Package emitter delivers post-commit attendance events to live UIs.
// Delivery is fire-and-forget, at-most-once; a failure never touches a
// committed write.
package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/queue"
)

// Event is one post-commit fact worth broadcasting.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	EntryID   string    `json:"entry_id,omitempty"`
	StudentID string    `json:"student_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	At        time.Time `json:"at"`
}

// Event types.
const (
	TypeRecorded  = "attendance.recorded"
	TypeConfirmed = "attendance.confirmed"
	TypeRejected  = "attendance.rejected"
	TypeDeleted   = "attendance.deleted"
)

// Emitter publishes events to whatever carries them to clients.
type Emitter interface {
	Publish(ctx context.Context, e Event) error
}

// LiveChannel is the Redis pub/sub channel for a session's live feed.
func LiveChannel(sessionID string) string {
	return "live:" + sessionID
}

// QueueEmitter hands events to the worker queue; the worker fans them out.
type QueueEmitter struct {
	q queue.Queue
}

// NewQueueEmitter wraps a queue as an emitter.
func NewQueueEmitter(q queue.Queue) *QueueEmitter {
	return &QueueEmitter{q: q}
}

// Publish enqueues the event for the worker.
func (e *QueueEmitter) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return e.q.Publish(ctx, queue.Message{Type: event.Type, Body: body})
}

// RedisEmitter publishes directly to the per-session live channel.
type RedisEmitter struct {
	client *redis.Client
}

// NewRedisEmitter creates an emitter over redis pub/sub.
func NewRedisEmitter(client *redis.Client) *RedisEmitter {
	return &RedisEmitter{client: client}
}

// Publish sends the event to the session's live channel.
func (e *RedisEmitter) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return e.client.Publish(ctx, LiveChannel(event.SessionID), payload).Err()
}

// Memory records events for tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty recording emitter.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records the event.
func (e *Memory) Publish(ctx context.Context, event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (e *Memory) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

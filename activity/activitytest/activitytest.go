// Package activitytest records activity writes in memory.
package activitytest

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"marketflow/activity"
)

type Message struct {
	Topic   string
	Payload map[string]any
}

// Recorder implements activity.Recorder. Setting Err fails every
// Append and Enqueue.
type Recorder struct {
	mu       sync.Mutex
	Actors   []string
	Events   []activity.Event
	Messages []Message
	Err      error
}

func (r *Recorder) SetActor(_ context.Context, _ pgx.Tx, actorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Actors = append(r.Actors, actorID)
	return nil
}

func (r *Recorder) Append(_ context.Context, _ pgx.Tx, event activity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, event)
	return nil
}

func (r *Recorder) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Messages = append(r.Messages, Message{Topic: topic, Payload: payload})
	return nil
}

// Topics lists enqueued topics in order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m.Topic)
	}
	return out
}

// EventTypes lists appended timeline types in order.
func (r *Recorder) EventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}

// Last returns the most recent message for topic.
func (r *Recorder) Last(topic string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Topic == topic {
			return r.Messages[i], true
		}
	}
	return Message{}, false
}

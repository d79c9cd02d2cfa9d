package providers

import (
	"context"
	"time"
)

// ActaEvent is the progress notification published on every state change,
// progress bump, and failure of a composition run.
type ActaEvent struct {
	ID        string    `json:"id"`
	ActaID    string    `json:"acta_id"`
	Event     string    `json:"event"`
	State     string    `json:"state"`
	Progress  int       `json:"progress"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBus fans acta progress events out to observers.
type EventBus interface {
	Publish(ctx context.Context, channel string, event *ActaEvent) error
	Subscribe(ctx context.Context, channel string) (<-chan *ActaEvent, error)
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

package stock

import (
	"context"
	"time"
)

type EventType string

const (
	EventRoundHandedOver EventType = "round.handed_over"
	EventRoundReturned   EventType = "round.returned"
	EventDriftRepaired   EventType = "reconciliation.drift_repaired"
)

// Event is published after a ledger operation commits.
type Event struct {
	Type      EventType      `json:"type"`
	RoundID   RoundID        `json:"round_id,omitempty"`
	ProductID ProductID      `json:"product_id,omitempty"`
	ActorID   ActorID        `json:"actor_id"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier delivers events. Delivery is best effort: a failure is logged
// by the caller and never undoes the committed operation.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

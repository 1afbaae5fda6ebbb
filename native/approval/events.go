package approval

import (
	"context"
	"time"
)

const (
	EventOrderCreated        = "order.created"
	EventOrderApproved       = "order.approved"
	EventOrderFinalizing     = "order.finalizing"
	EventOrderFinished       = "order.finished"
	EventOrderCancelled      = "order.cancelled"
	EventOrderFinalizeFailed = "order.finalize_failed"
	EventOrderEvicted        = "order.evicted"
)

// Event is the lifecycle record published after each committed transition.
type Event struct {
	Type       string
	OrderID    string
	EscrowRef  string
	Signer     string
	State      State
	Confirmed  int
	Total      int
	Reason     string
	TxHash     string
	OccurredAt time.Time
}

// Emitter receives lifecycle events. Emit is called outside registry locks and
// must not block for long.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) {}

// MultiEmitter fans an event out to several emitters in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, evt)
		}
	}
}

func newEvent(typ string, o *Order, at time.Time) Event {
	return Event{
		Type:       typ,
		OrderID:    o.ID,
		EscrowRef:  o.EscrowRef,
		State:      o.State,
		Confirmed:  len(o.Approvals),
		Total:      len(o.Signers),
		Reason:     o.FailureReason,
		OccurredAt: at,
	}
}

func finalEventType(s State) string {
	switch s {
	case StateFinished:
		return EventOrderFinished
	case StateCancelled:
		return EventOrderCancelled
	default:
		return EventOrderFinalizeFailed
	}
}

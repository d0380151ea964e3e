package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of an Event.
type Type string

const (
	TypeTransition Type = "transition"
	TypeAttempt    Type = "attempt"
	TypeWarning    Type = "warning"
	TypeResult     Type = "result"
)

// Event is one lifecycle notification. Only the fields relevant to Type are
// set.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Type      Type      `json:"type"`
	MessageID string    `json:"messageId"`

	// Transitions
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Attempts
	Account   string        `json:"account,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Rendering int           `json:"rendering,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Code      int           `json:"code,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`

	// Warnings
	Recipient string `json:"recipient,omitempty"`

	Message string `json:"message,omitempty"`
}

// New returns an Event of type t with its ID and Time filled in.
func New(t Type, messageID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Time:      time.Now(),
		Type:      t,
		MessageID: messageID,
	}
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block for long, since they're called inline with deliveries.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(context.Context, Event) {}

// Multi sends every event to each of its sinks in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, e Event)

func (f Func) Emit(ctx context.Context, e Event) { f(ctx, e) }

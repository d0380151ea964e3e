package transport

import (
	"context"
	"fmt"
)

// Envelope is what a Transport sends: the SMTP envelope plus the complete
// rendered message.
type Envelope struct {
	MessageID string
	From      string
	To        []string
	Data      []byte
}

// Status is the coarse result of a send.
type Status int

const (
	Accepted Status = iota
	// Rejected failures are permanent. Sending the same bytes again won't
	// help.
	Rejected
	// Unavailable failures are transient and may go away on their own.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Reason narrows down why a send failed.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonNetwork   Reason = "network"
	ReasonTimeout   Reason = "timeout"
	ReasonBusy      Reason = "busy"
	ReasonAuth      Reason = "auth"
	ReasonRecipient Reason = "recipient"
	ReasonMessage   Reason = "message"
	ReasonConfig    Reason = "config"
	ReasonCancelled Reason = "cancelled"
	ReasonUnknown   Reason = "unknown"
)

// AccountScoped reports whether the failure is a property of the account
// used to send rather than of the message, so that another account could
// still succeed.
func (r Reason) AccountScoped() bool {
	return r == ReasonAuth || r == ReasonConfig
}

// Outcome is the result of one send.
type Outcome struct {
	Status Status
	// ID is the identifier the server assigned to an accepted message, if
	// it told us.
	ID     string
	Reason Reason
	// Code is the SMTP reply code, or zero.
	Code int
	Err  error
}

// OK returns an Accepted outcome.
func OK(id string) Outcome {
	return Outcome{Status: Accepted, ID: id}
}

func (o Outcome) String() string {
	if o.Status == Accepted {
		if o.ID != "" {
			return fmt.Sprintf("accepted as %v", o.ID)
		}
		return "accepted"
	}
	s := fmt.Sprintf("%v (%v)", o.Status, o.Reason)
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}

// Transport sends one message per call. Implementations must be safe for
// concurrent use and must never retry on their own.
type Transport interface {
	Name() string
	Send(ctx context.Context, env Envelope) Outcome
}

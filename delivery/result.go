package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ptgott/relaymail/crypt"
	"github.com/ptgott/relaymail/email"
	"github.com/ptgott/relaymail/transport"
)

// State is a step of a delivery.
type State string

const (
	StateBuilding   State = "building"
	StateEncrypting State = "encrypting"
	StateSending    State = "sending"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Transition is a recorded change of state.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// AttemptOutcome is what came of one transport call.
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "success"
	AttemptTransient AttemptOutcome = "transient"
	AttemptTerminal  AttemptOutcome = "terminal"
	AttemptCancelled AttemptOutcome = "cancelled"
)

// Attempt records one transport call.
type Attempt struct {
	// Index is 1-based and counts attempts across every rendering and
	// account of the delivery.
	Index int `json:"index"`
	// AccountAttempt is 1-based and counts attempts of one rendering on
	// one account.
	AccountAttempt int            `json:"accountAttempt"`
	Account        string         `json:"account"`
	Rendering      int            `json:"rendering"`
	Started        time.Time      `json:"started"`
	Duration       time.Duration  `json:"duration"`
	Outcome        AttemptOutcome `json:"outcome"`
	Reason         string         `json:"reason,omitempty"`
	Code           int            `json:"code,omitempty"`
	TransportID    string         `json:"transportId,omitempty"`
	Error          string         `json:"error,omitempty"`
	// Delay is how long the coordinator waited before the next attempt,
	// if there was one.
	Delay time.Duration `json:"delay,omitempty"`
}

// Outcome is the final outcome of a delivery.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
)

// RecipientStatus reports what happened for one recipient.
type RecipientStatus struct {
	Address   string `json:"address"`
	Encrypted bool   `json:"encrypted"`
	Skipped   bool   `json:"skipped,omitempty"`
	Delivered bool   `json:"delivered"`
	// Account that delivered the message to the recipient.
	Account     string `json:"account,omitempty"`
	TransportID string `json:"transportId,omitempty"`
}

// Result describes a finished delivery. Deliver always returns one.
type Result struct {
	MessageID   string            `json:"messageId"`
	Subject     string            `json:"subject"`
	Outcome     Outcome           `json:"outcome"`
	State       State             `json:"state"`
	Attempts    []Attempt         `json:"attempts"`
	Transitions []Transition      `json:"transitions"`
	Recipients  []RecipientStatus `json:"recipients"`
	// TransportIDs lists the identifiers servers assigned to accepted
	// renderings, when they reported any.
	TransportIDs []string  `json:"transportIds,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	// Err is nil on success. It's kept out of JSON; ErrorText holds its
	// message instead.
	Err       error  `json:"-"`
	ErrorText string `json:"error,omitempty"`
}

// Kind classifies the error of a Result for callers that need to react
// differently to each class of failure, e.g., with distinct exit codes.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidInput
	KindEncryptionRequired
	KindTransient
	KindPermanent
	KindCancelled
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidInput:
		return "invalid input"
	case KindEncryptionRequired:
		return "encryption required"
	case KindTransient:
		return "transient transport failure"
	case KindPermanent:
		return "permanent transport failure"
	case KindCancelled:
		return "cancelled"
	}
	return "other"
}

// ExitCode maps k to a process exit status.
func (k Kind) ExitCode() int {
	switch k {
	case KindNone:
		return 0
	case KindInvalidInput:
		return 2
	case KindEncryptionRequired:
		return 3
	case KindTransient:
		return 4
	case KindPermanent:
		return 5
	case KindCancelled:
		return 130
	}
	return 1
}

var (
	// ErrTransient wraps the last transient failure once retries and
	// accounts are used up.
	ErrTransient = errors.New("transient transport failure")
	// ErrPermanent wraps a rejection.
	ErrPermanent  = errors.New("permanent transport failure")
	ErrCancelled  = errors.New("delivery cancelled")
	ErrNoAccounts = errors.New("no accounts to send with")
)

// Kind classifies r.Err.
func (r Result) Kind() Kind {
	return KindOf(r.Err)
}

// KindOf classifies an error returned by the pipeline.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, email.ErrEmptyRecipientList),
		errors.Is(err, email.ErrInvalidRecipient),
		errors.Is(err, email.ErrInvalidSender),
		errors.Is(err, email.ErrInvalidContentType),
		errors.Is(err, email.ErrInvalidAttachment),
		errors.Is(err, email.ErrAttachmentSize),
		errors.Is(err, email.ErrMessageTooLarge):
		return KindInvalidInput
	case errors.Is(err, crypt.ErrEncryptionRequired),
		errors.Is(err, crypt.ErrNoDeliverableRecipients):
		return KindEncryptionRequired
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	}
	return KindOther
}

// Delivered returns the recipients the message reached.
func (r Result) Delivered() []string {
	var d []string
	for _, rs := range r.Recipients {
		if rs.Delivered {
			d = append(d, rs.Address)
		}
	}
	return d
}

func (r Result) String() string {
	s := fmt.Sprintf("%v: %v after %v attempt(s)", r.MessageID, r.Outcome, len(r.Attempts))
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

func attemptOutcome(o transport.Outcome, cancelled bool) AttemptOutcome {
	switch {
	case o.Status == transport.Accepted:
		return AttemptSuccess
	case cancelled:
		return AttemptCancelled
	case o.Status == transport.Rejected:
		return AttemptTerminal
	}
	return AttemptTransient
}

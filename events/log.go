package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes events to a zerolog logger. Warnings and failed attempts
// are logged at warn level, results at info and everything else at debug.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(_ context.Context, e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case TypeWarning:
		ev = s.Logger.Warn().Str("recipient", e.Recipient)
	case TypeAttempt:
		if e.Outcome == "success" {
			ev = s.Logger.Debug()
		} else {
			ev = s.Logger.Warn()
		}
		ev = ev.
			Str("account", e.Account).
			Int("attempt", e.Attempt).
			Int("rendering", e.Rendering).
			Str("outcome", e.Outcome)
		if e.Reason != "" {
			ev = ev.Str("reason", e.Reason)
		}
		if e.Code != 0 {
			ev = ev.Int("code", e.Code)
		}
		if e.Delay > 0 {
			ev = ev.Dur("retryIn", e.Delay)
		}
	case TypeResult:
		ev = s.Logger.Info().Str("outcome", e.Outcome)
	default:
		ev = s.Logger.Debug().Str("from", e.From).Str("to", e.To)
	}
	ev.Str("event", string(e.Type)).
		Str("messageId", e.MessageID).
		Msg(e.Message)
}

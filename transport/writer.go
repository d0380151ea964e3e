package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Writer is a dry-run Transport: it prints envelopes and messages to W
// instead of sending them. It accepts everything.
type Writer struct {
	W  io.Writer
	mu sync.Mutex
}

func (w *Writer) Name() string { return "dry-run" }

func (w *Writer) Send(ctx context.Context, env Envelope) Outcome {
	if err := ctx.Err(); err != nil {
		return Classify(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := fmt.Fprintf(
		w.W,
		"MAIL FROM:<%v>\nRCPT TO:<%v>\n\n%s\n",
		env.From,
		strings.Join(env.To, ">, <"),
		env.Data,
	)
	if err != nil {
		return Outcome{Status: Rejected, Reason: ReasonConfig, Err: err}
	}
	return OK(uuid.NewString())
}

package transport

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &Writer{W: &buf}

	o := w.Send(context.Background(), Envelope{
		From: "me@example.com",
		To:   []string{"a@example.com", "b@example.com"},
		Data: []byte("Subject: hi\r\n\r\nhello"),
	})
	assert.Equal(t, Accepted, o.Status)
	assert.NotEmpty(t, o.ID)
	assert.Contains(t, buf.String(), "RCPT TO:<a@example.com>, <b@example.com>")
	assert.Contains(t, buf.String(), "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o = w.Send(ctx, Envelope{})
	assert.Equal(t, Unavailable, o.Status)
	assert.Equal(t, ReasonCancelled, o.Reason)
}

package crypt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEncryptionRequired matches a *RequiredError.
	ErrEncryptionRequired = errors.New("encryption required")
	// ErrNoDeliverableRecipients means the fallback skipped every
	// recipient, so there is nothing left to send.
	ErrNoDeliverableRecipients = errors.New("no recipient can receive the message")
)

// RequiredError lists every recipient without a usable key under
// PolicyRequired.
type RequiredError struct {
	Recipients []string
	// Reasons is parallel to Recipients.
	Reasons []string
}

func (e *RequiredError) Error() string {
	parts := make([]string, len(e.Recipients))
	for i, r := range e.Recipients {
		parts[i] = fmt.Sprintf("%v (%v)", r, e.Reasons[i])
	}
	return fmt.Sprintf("%v but no usable key for: %v", ErrEncryptionRequired, strings.Join(parts, ", "))
}

func (e *RequiredError) Is(target error) bool {
	return target == ErrEncryptionRequired
}

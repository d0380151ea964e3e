package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
)

func TestClassifySMTPCode(t *testing.T) {
	testCases := []struct {
		code     int
		expected Verdict
	}{
		{421, Verdict{Unavailable, ReasonBusy}},
		{450, Verdict{Unavailable, ReasonBusy}},
		{451, Verdict{Unavailable, ReasonBusy}},
		{452, Verdict{Unavailable, ReasonBusy}},
		{454, Verdict{Unavailable, ReasonAuth}},
		{471, Verdict{Unavailable, ReasonBusy}},
		{530, Verdict{Rejected, ReasonAuth}},
		{535, Verdict{Rejected, ReasonAuth}},
		{550, Verdict{Rejected, ReasonRecipient}},
		{553, Verdict{Rejected, ReasonRecipient}},
		{552, Verdict{Rejected, ReasonMessage}},
		{554, Verdict{Rejected, ReasonMessage}},
		{500, Verdict{Rejected, ReasonUnknown}},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.expected, ClassifySMTPCode(tc.code))
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	testCases := []struct {
		description    string
		err            error
		expectedStatus Status
		expectedReason Reason
		expectedCode   int
	}{
		{
			description:    "no error",
			expectedStatus: Accepted,
		},
		{
			description:    "temporary SMTP failure",
			err:            &gosmtp.SMTPError{Code: 451, Message: "try again later"},
			expectedStatus: Unavailable,
			expectedReason: ReasonBusy,
			expectedCode:   451,
		},
		{
			description:    "wrapped permanent SMTP failure",
			err:            fmt.Errorf("RCPT TO failed: %w", &gosmtp.SMTPError{Code: 550, Message: "no such user"}),
			expectedStatus: Rejected,
			expectedReason: ReasonRecipient,
			expectedCode:   550,
		},
		{
			description:    "cancelled",
			err:            context.Canceled,
			expectedStatus: Unavailable,
			expectedReason: ReasonCancelled,
		},
		{
			description:    "deadline",
			err:            fmt.Errorf("dial: %w", context.DeadlineExceeded),
			expectedStatus: Unavailable,
			expectedReason: ReasonTimeout,
		},
		{
			description:    "net timeout",
			err:            &net.OpError{Op: "read", Err: timeoutErr{}},
			expectedStatus: Unavailable,
			expectedReason: ReasonTimeout,
		},
		{
			description:    "connection refused",
			err:            &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
			expectedStatus: Unavailable,
			expectedReason: ReasonNetwork,
		},
		{
			description:    "connection dropped",
			err:            io.EOF,
			expectedStatus: Unavailable,
			expectedReason: ReasonNetwork,
		},
		{
			description:    "unknown host",
			err:            &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true},
			expectedStatus: Rejected,
			expectedReason: ReasonConfig,
		},
		{
			description:    "untrusted certificate",
			err:            x509.UnknownAuthorityError{},
			expectedStatus: Rejected,
			expectedReason: ReasonConfig,
		},
		{
			description:    "server without AUTH",
			err:            ErrNoAuth,
			expectedStatus: Rejected,
			expectedReason: ReasonConfig,
		},
		{
			description:    "server without STARTTLS",
			err:            fmt.Errorf("greeting: %w", ErrNoStartTLS),
			expectedStatus: Rejected,
			expectedReason: ReasonConfig,
		},
		{
			description:    "message that only looks like a missing extension",
			err:            errors.New("server doesn't support AUTH"),
			expectedStatus: Unavailable,
			expectedReason: ReasonUnknown,
		},
		{
			description:    "anything else",
			err:            errors.New("something odd"),
			expectedStatus: Unavailable,
			expectedReason: ReasonUnknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			o := Classify(tc.err)
			assert.Equal(t, tc.expectedStatus, o.Status)
			assert.Equal(t, tc.expectedReason, o.Reason)
			assert.Equal(t, tc.expectedCode, o.Code)
		})
	}
}

func TestAccountScoped(t *testing.T) {
	assert.True(t, ReasonAuth.AccountScoped())
	assert.True(t, ReasonConfig.AccountScoped())
	assert.False(t, ReasonRecipient.AccountScoped())
	assert.False(t, ReasonBusy.AccountScoped())
}

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/textproto"
	"syscall"

	gosmtp "github.com/emersion/go-smtp"
)

// Returned when a server lacks an extension the account is configured to
// use. Retrying won't help, so both classify as Rejected.
var (
	ErrNoStartTLS = errors.New("server doesn't support STARTTLS")
	ErrNoAuth     = errors.New("server doesn't support AUTH")
)

// Verdict is a row of a classification table.
type Verdict struct {
	Status Status
	Reason Reason
}

// SMTPCodeTable classifies the SMTP reply codes that need a more specific
// answer than their class. Codes that aren't listed fall back to
// ClassifySMTPCode's per-class defaults.
var SMTPCodeTable = map[int]Verdict{
	421: {Unavailable, ReasonBusy},
	450: {Unavailable, ReasonBusy},
	451: {Unavailable, ReasonBusy},
	452: {Unavailable, ReasonBusy},
	454: {Unavailable, ReasonAuth},
	530: {Rejected, ReasonAuth},
	534: {Rejected, ReasonAuth},
	535: {Rejected, ReasonAuth},
	538: {Rejected, ReasonAuth},
	550: {Rejected, ReasonRecipient},
	551: {Rejected, ReasonRecipient},
	553: {Rejected, ReasonRecipient},
	552: {Rejected, ReasonMessage},
	554: {Rejected, ReasonMessage},
	555: {Rejected, ReasonMessage},
}

// ClassifySMTPCode looks code up in SMTPCodeTable. Other 4xx codes are
// transient and other 5xx codes permanent.
func ClassifySMTPCode(code int) Verdict {
	if v, ok := SMTPCodeTable[code]; ok {
		return v
	}
	switch {
	case code >= 400 && code < 500:
		return Verdict{Unavailable, ReasonBusy}
	case code >= 500 && code < 600:
		return Verdict{Rejected, ReasonUnknown}
	}
	return Verdict{Unavailable, ReasonUnknown}
}

// Classify turns an error from a send into an Outcome. A nil error is
// Accepted.
func Classify(err error) Outcome {
	if err == nil {
		return OK("")
	}
	fail := func(s Status, r Reason) Outcome {
		return Outcome{Status: s, Reason: r, Err: err}
	}

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		v := ClassifySMTPCode(smtpErr.Code)
		o := fail(v.Status, v.Reason)
		o.Code = smtpErr.Code
		return o
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		v := ClassifySMTPCode(protoErr.Code)
		o := fail(v.Status, v.Reason)
		o.Code = protoErr.Code
		return o
	}

	if errors.Is(err, context.Canceled) {
		return fail(Unavailable, ReasonCancelled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fail(Unavailable, ReasonTimeout)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return fail(Rejected, ReasonConfig)
		}
		return fail(Unavailable, ReasonNetwork)
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &recordErr) {
		return fail(Rejected, ReasonConfig)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fail(Unavailable, ReasonTimeout)
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return fail(Unavailable, ReasonNetwork)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fail(Unavailable, ReasonNetwork)
	}

	if errors.Is(err, ErrNoAuth) || errors.Is(err, ErrNoStartTLS) {
		return fail(Rejected, ReasonConfig)
	}

	return fail(Unavailable, ReasonUnknown)
}

package smtpx

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/emersion/go-smtp"
)

// Category sorts transport errors by the retry policy they warrant.
type Category string

const (
	// CategoryPermanent errors will not be fixed by retrying: the relay
	// rejected the sender, recipient, or message outright.
	CategoryPermanent Category = "permanent"
	// CategoryRetryable errors are transient relay conditions worth retrying
	// with backoff.
	CategoryRetryable Category = "retryable"
	// CategoryUnexpected covers everything else; callers treat it as
	// retryable for a bounded number of attempts.
	CategoryUnexpected Category = "unexpected"
)

// AuthError is a permanent authentication failure, annotated with
// provider-specific remediation guidance.
type AuthError struct {
	Provider Provider
	Hint     string
	cause    error
}

func (e *AuthError) Error() string {
	msg := "smtp authentication failed"
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.cause }

// Classify maps a transport error onto its retry category.
//
// SMTP reply codes follow RFC 5321 semantics: 5xx is a definitive client
// error, 4xx a temporary condition. Network-level failures (dial errors,
// resets, timeouts) are transient by nature.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnexpected
	}

	var ae *AuthError
	if errors.As(err, &ae) {
		return CategoryPermanent
	}

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		switch {
		case se.Code >= 500:
			return CategoryPermanent
		case se.Code >= 400:
			return CategoryRetryable
		default:
			return CategoryUnexpected
		}
	}

	if IsDisconnect(err) {
		return CategoryRetryable
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryRetryable
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return CategoryRetryable
	}

	return CategoryUnexpected
}

// IsDisconnect reports whether err means the relay connection is gone and
// must be rebuilt before the next attempt. Code 421 is the relay announcing
// it is closing the channel.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	var se *smtp.SMTPError
	if errors.As(err, &se) && se.Code == 421 {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

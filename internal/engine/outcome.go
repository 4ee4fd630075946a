package engine

import "time"

// Code is the machine-readable reason attached to a delivery outcome, so
// callers can branch without string matching.
type Code string

const (
	// CodeInvalidEmail: recipient failed validation; no network attempt made.
	CodeInvalidEmail Code = "INVALID_EMAIL"
	// CodeInvalidAttachment: an attachment failed validation; no network attempt made.
	CodeInvalidAttachment Code = "INVALID_ATTACHMENT"
	// CodeBuildFailure: the MIME document could not be assembled; no network attempt made.
	CodeBuildFailure Code = "BUILD_FAILURE"
	// CodePermanentFailure: the relay rejected definitively; retrying is pointless.
	CodePermanentFailure Code = "PERMANENT_FAILURE"
	// CodeMaxRetriesExceeded: every attempt hit a transient failure.
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"
	// CodeAborted: the context was cancelled before delivery completed.
	CodeAborted Code = "ABORTED"
)

// Outcome is the result of one delivery through the engine. It is transient:
// the daemon folds it into a job update, interactive callers render it.
type Outcome struct {
	Success   bool
	Recipient string

	// MessageID is set on success.
	MessageID string

	// ErrorText and Code are set on failure.
	ErrorText string
	Code      Code

	// Attempts is how many network attempts were consumed.
	Attempts int

	CompletedAt time.Time
}

// Retryable reports whether a later re-dispatch of the same message could
// still succeed. Validation and build failures and definitive relay
// rejections are final; exhausted transient failures and deliveries cut
// short by cancellation are worth another round.
func (o Outcome) Retryable() bool {
	return !o.Success && (o.Code == CodeMaxRetriesExceeded || o.Code == CodeAborted)
}

func failure(recipient string, code Code, errText string, attempts int) Outcome {
	return Outcome{
		Recipient:   recipient,
		Code:        code,
		ErrorText:   errText,
		Attempts:    attempts,
		CompletedAt: time.Now(),
	}
}

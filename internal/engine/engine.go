// Package engine orchestrates a single delivery: validation, pacing against
// the provider rate, bounded retries with exponential backoff, and failure
// classification. One engine instance sends strictly sequentially; run more
// instances for concurrent streams.
package engine

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mailflow/internal/mail"
	"mailflow/internal/smtpx"
	"mailflow/pkg/logx"
)

// Transport submits a finished message envelope to the relay. Implemented by
// *smtpx.Session; tests substitute fakes.
type Transport interface {
	Send(ctx context.Context, from string, rcpts []string, data []byte) error
	// Discard drops the transport's cached connection so the next attempt
	// rebuilds it. Called after disconnect-class failures.
	Discard()
}

type Config struct {
	// EmailsPerMinute sets the pacing floor: consecutive sends from this
	// engine are spaced at least 60/EmailsPerMinute seconds apart.
	// Defaults to 8, a rate even suspicious providers tolerate.
	EmailsPerMinute int

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryDelay is the backoff base: attempt i sleeps RetryDelay * 2^i.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.EmailsPerMinute <= 0 {
		c.EmailsPerMinute = 8
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	return c
}

// Engine performs paced, retried deliveries through one Transport.
type Engine struct {
	cfg    Config
	sender mail.Identity
	tr     Transport
	log    logx.Logger

	// limiter enforces the pacing floor. Burst 1 means a slow send never
	// banks credit for a burst later.
	limiter *rate.Limiter

	sent atomic.Int64
}

func New(cfg Config, sender mail.Identity, tr Transport, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	interval := time.Minute / time.Duration(cfg.EmailsPerMinute)
	return &Engine{
		cfg:     cfg,
		sender:  sender,
		tr:      tr,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Sent returns how many messages this engine delivered in its lifetime.
func (e *Engine) Sent() int64 { return e.sent.Load() }

// Send delivers one message. Validation failures return immediately without
// consuming a network attempt or pacing delay.
func (e *Engine) Send(ctx context.Context, msg mail.Message) Outcome {
	if err := msg.Validate(); err != nil {
		return failure(msg.To, CodeInvalidEmail, err.Error(), 0)
	}
	if err := mail.ValidateAddress(msg.To); err != nil {
		return failure(msg.To, CodeInvalidEmail, err.Error(), 0)
	}
	for _, path := range msg.Attachments {
		if err := mail.ValidateAttachment(path); err != nil {
			return failure(msg.To, CodeInvalidAttachment, err.Error(), 0)
		}
	}

	var buf bytes.Buffer
	messageID, err := mail.Build(&buf, e.sender, msg)
	if err != nil {
		return failure(msg.To, CodeBuildFailure, err.Error(), 0)
	}

	// Pacing floor. Wait blocks until this engine's previous send is at
	// least one interval in the past.
	if err := e.limiter.Wait(ctx); err != nil {
		return failure(msg.To, CodeAborted, err.Error(), 0)
	}

	var lastErr error
	maxAttempts := e.cfg.MaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := e.tr.Send(ctx, e.sender.Email, msg.Recipients(), buf.Bytes())
		if err == nil {
			n := e.sent.Add(1)
			e.log.Info("email sent",
				logx.String("to", mail.Mask(msg.To)),
				logx.String("message_id", messageID),
				logx.Int("attempt", attempt+1),
				logx.Int64("session_total", n),
			)
			return Outcome{
				Success:     true,
				Recipient:   msg.To,
				MessageID:   messageID,
				Attempts:    attempt + 1,
				CompletedAt: time.Now(),
			}
		}

		lastErr = err
		if smtpx.IsDisconnect(err) {
			e.tr.Discard()
		}

		if smtpx.Classify(err) == smtpx.CategoryPermanent {
			e.log.Warn("delivery rejected",
				logx.String("to", mail.Mask(msg.To)),
				logx.Int("attempt", attempt+1),
				logx.Err(err),
			)
			return failure(msg.To, CodePermanentFailure, err.Error(), attempt+1)
		}

		// Retryable or unexpected: back off and try again if attempts remain.
		if attempt == maxAttempts-1 {
			break
		}
		delay := e.cfg.RetryDelay << uint(attempt)
		e.log.Warn("delivery retry scheduled",
			logx.String("to", mail.Mask(msg.To)),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return failure(msg.To, CodeAborted, ctx.Err().Error(), attempt+1)
		case <-tmr.C:
		}
	}

	e.log.Error("delivery failed after all attempts",
		logx.String("to", mail.Mask(msg.To)),
		logx.Int("attempts", maxAttempts),
		logx.Err(lastErr),
	)
	return failure(msg.To, CodeMaxRetriesExceeded, lastErr.Error(), maxAttempts)
}

// BulkStats summarizes a SendBulk run.
type BulkStats struct {
	Sent   int
	Failed int
	Total  int
}

// SendBulk delivers messages sequentially, invoking onProgress (when non-nil)
// after each one. It stops early only when ctx is cancelled.
func (e *Engine) SendBulk(ctx context.Context, msgs []mail.Message, onProgress func(done, total int, oc Outcome)) ([]Outcome, BulkStats) {
	outcomes := make([]Outcome, 0, len(msgs))
	stats := BulkStats{Total: len(msgs)}

	for i, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		oc := e.Send(ctx, msg)
		outcomes = append(outcomes, oc)
		if oc.Success {
			stats.Sent++
		} else {
			stats.Failed++
		}
		if onProgress != nil {
			onProgress(i+1, stats.Total, oc)
		}
	}
	return outcomes, stats
}

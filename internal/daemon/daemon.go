// Package daemon bridges the job store and the delivery engine on a timer.
// Each tick drains the due jobs; ticks never overlap, so a due job is
// dispatched at most once.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailflow/internal/engine"
	"mailflow/internal/eventbus"
	"mailflow/internal/mail"
	"mailflow/internal/store"
	"mailflow/pkg/logx"
)

// Event types published on the bus.
const (
	EventJobSent     = "job.sent"
	EventJobFailed   = "job.failed"
	EventJobRequeued = "job.requeued"
)

// JobEvent is the bus payload for job transitions. Recipient is masked.
type JobEvent struct {
	ID        int64  `json:"id"`
	Recipient string `json:"recipient"`
	Attempts  int    `json:"attempts,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Config struct {
	Enabled bool

	// PollInterval is the tick cadence. Defaults to 30s.
	PollInterval time.Duration

	// MaxAttempts bounds daemon-level reattempts of a job whose delivery
	// failed transiently. Defaults to 5.
	MaxAttempts int

	// RetryBackoff is the base for the requeue delay: a job on its n-th
	// reattempt is pushed out by RetryBackoff * 2^n, capped at one hour.
	// Defaults to 1m.
	RetryBackoff time.Duration

	// Retention is how long terminal jobs are kept before the nightly
	// sweep deletes them. 0 disables the sweep. Defaults to 30 days.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Minute
	}
	return c
}

const maxRequeueDelay = time.Hour

// Daemon polls the store for due jobs and hands them to the engine.
type Daemon struct {
	cfg Config
	st  *store.Store
	eng *engine.Engine
	bus eventbus.Bus
	log logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, st *store.Store, eng *engine.Engine, bus eventbus.Bus, log logx.Logger) *Daemon {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Daemon{cfg: cfg.withDefaults(), st: st, eng: eng, bus: bus, log: log}
}

// Start launches the poll loop and, when retention is configured, a nightly
// cleanup sweep. Overlapping ticks are skipped rather than queued.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.cfg.Enabled {
		d.log.Info("delivery daemon disabled")
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil {
		return nil
	}

	clog := cronLog{log: d.log}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)))

	spec := fmt.Sprintf("@every %s", d.cfg.PollInterval)
	if _, err := c.AddFunc(spec, func() {
		if err := d.Tick(ctx); err != nil {
			d.log.Error("daemon tick failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("register poll job: %w", err)
	}

	if d.cfg.Retention > 0 {
		if _, err := c.AddFunc("0 3 * * *", func() {
			if _, err := d.st.CleanupOlderThan(ctx, d.cfg.Retention); err != nil {
				d.log.Error("retention sweep failed", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("register retention job: %w", err)
		}
	}

	c.Start()
	d.c = c
	d.log.Info("delivery daemon started",
		logx.Duration("poll_interval", d.cfg.PollInterval),
		logx.Int("max_attempts", d.cfg.MaxAttempts),
	)
	return nil
}

// Stop halts the timer and waits for an in-flight tick, bounded by ctx.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	c := d.c
	d.c = nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick processes every due job once. It is the unit the poll loop runs and
// is exported so operators can run a single pass (cron-style operation).
func (d *Daemon) Tick(ctx context.Context) error {
	due, err := d.st.ListDue(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	d.log.Debug("processing due jobs", logx.Int("count", len(due)))

	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.processJob(ctx, &due[i])
	}
	return nil
}

func (d *Daemon) processJob(ctx context.Context, job *store.Job) {
	ok, err := d.st.UpdateStatus(ctx, job.ID, store.StatusProcessing, "")
	if err != nil {
		d.log.Error("job transition failed", logx.Int64("job", job.ID), logx.Err(err))
		return
	}
	if !ok {
		// Cancelled (or otherwise claimed) since ListDue; leave it alone.
		return
	}

	// Best-effort cancellation: honor a cancel that raced in before the
	// network attempt begins. Once the engine is invoked, the real outcome
	// wins and the guarded transitions below keep Cancelled sticky.
	if cur, err := d.st.Get(ctx, job.ID); err == nil && cur.Status == store.StatusCancelled {
		return
	}

	oc := d.eng.Send(ctx, job.Message)

	switch {
	case oc.Success:
		ok, err := d.st.UpdateStatus(ctx, job.ID, store.StatusSent, "")
		if err != nil {
			d.log.Error("job transition failed", logx.Int64("job", job.ID), logx.Err(err))
			return
		}
		if !ok {
			// A cancel landed while the engine was sending; the job record
			// says Cancelled, so don't announce a delivery.
			return
		}
		d.publish(EventJobSent, JobEvent{ID: job.ID, Recipient: mail.Mask(job.Message.To), Attempts: oc.Attempts})

	case oc.Retryable() && job.RetryCount+1 < d.cfg.MaxAttempts:
		d.requeue(ctx, job, oc)

	default:
		errText := oc.ErrorText
		if oc.Retryable() {
			errText = fmt.Sprintf("giving up after %d attempts: %s", job.RetryCount+1, oc.ErrorText)
		}
		if _, err := d.st.UpdateStatus(ctx, job.ID, store.StatusFailed, errText); err != nil {
			d.log.Error("job transition failed", logx.Int64("job", job.ID), logx.Err(err))
			return
		}
		d.publish(EventJobFailed, JobEvent{ID: job.ID, Recipient: mail.Mask(job.Message.To), Attempts: oc.Attempts, Error: errText})
	}
}

// requeue puts a transiently-failed job back to pending with a pushed-out
// due time so the next reattempt backs off.
func (d *Daemon) requeue(ctx context.Context, job *store.Job, oc engine.Outcome) {
	if err := d.st.IncrementRetry(ctx, job.ID); err != nil {
		d.log.Error("retry increment failed", logx.Int64("job", job.ID), logx.Err(err))
	}

	delay := d.cfg.RetryBackoff << uint(job.RetryCount)
	if delay > maxRequeueDelay || delay <= 0 {
		delay = maxRequeueDelay
	}
	next := time.Now().Add(delay)

	ok, err := d.st.UpdateStatus(ctx, job.ID, store.StatusPending, oc.ErrorText)
	if err != nil {
		d.log.Error("job transition failed", logx.Int64("job", job.ID), logx.Err(err))
		return
	}
	if !ok {
		// A cancel won the race; nothing to requeue.
		return
	}
	if _, err := d.st.Reschedule(ctx, job.ID, next); err != nil {
		d.log.Error("job reschedule failed", logx.Int64("job", job.ID), logx.Err(err))
		return
	}

	d.log.Warn("job requeued",
		logx.Int64("job", job.ID),
		logx.String("to", mail.Mask(job.Message.To)),
		logx.Int("retry", job.RetryCount+1),
		logx.Duration("delay", delay),
	)
	d.publish(EventJobRequeued, JobEvent{ID: job.ID, Recipient: mail.Mask(job.Message.To), Attempts: oc.Attempts, Error: oc.ErrorText})
}

func (d *Daemon) publish(typ string, data JobEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// cronLog adapts logx to the cron.Logger interface.
type cronLog struct{ log logx.Logger }

func (c cronLog) Info(msg string, kv ...interface{}) {
	c.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (c cronLog) Error(err error, msg string, kv ...interface{}) {
	c.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

// Package app wires the mailflow components together: config, logging,
// the job store, the SMTP session, the delivery engine, and the daemon.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailflow/internal/config"
	"mailflow/internal/daemon"
	"mailflow/internal/engine"
	"mailflow/internal/eventbus"
	"mailflow/internal/mail"
	"mailflow/internal/smtpx"
	"mailflow/internal/store"
	"mailflow/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	st      *store.Store
	session *smtpx.Session
	eng     *engine.Engine
	bus     eventbus.Bus
	dmn     *daemon.Daemon

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New loads configuration (with the .env overlay) and constructs every
// component. Nothing dials or polls until Start.
func New(cfgPath, envPath string) (*App, error) {
	if err := config.LoadEnv(envPath); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logCfg(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	busyTimeout, _ := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logs.Logger().With(logx.String("comp", "store")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	smtpTimeout, _ := config.ParseDuration("smtp.timeout", cfg.SMTP.Timeout)
	session := smtpx.NewSession(smtpx.Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		Encryption: cfg.SMTP.Encryption,
		HELOName:   cfg.SMTP.HELOName,
		Timeout:    smtpTimeout,
	}, logs.Logger().With(logx.String("comp", "smtp")))

	retryDelay, _ := config.ParseDuration("rate_limit.retry_delay", cfg.RateLimit.RetryDelay)
	eng := engine.New(engine.Config{
		EmailsPerMinute: cfg.RateLimit.EmailsPerMinute,
		MaxRetries:      cfg.RateLimit.MaxRetries,
		RetryDelay:      retryDelay,
	}, mail.Identity{
		Name:    cfg.Sender.Name,
		Email:   cfg.Sender.Email,
		ReplyTo: cfg.Sender.ReplyTo,
	}, session, logs.Logger().With(logx.String("comp", "engine")))

	bus := eventbus.New()

	poll, _ := config.ParseDuration("daemon.poll_interval", cfg.Daemon.PollInterval)
	backoff, _ := config.ParseDuration("daemon.retry_backoff", cfg.Daemon.RetryBackoff)
	retention, _ := config.ParseDuration("daemon.retention", cfg.Daemon.Retention)
	if cfg.Daemon.Retention == "" {
		retention = 30 * 24 * time.Hour
	}
	dmn := daemon.New(daemon.Config{
		Enabled:      cfg.Daemon.Enabled,
		PollInterval: poll,
		MaxAttempts:  cfg.Daemon.MaxAttempts,
		RetryBackoff: backoff,
		Retention:    retention,
	}, st, eng, bus, logs.Logger().With(logx.String("comp", "daemon")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		st:      st,
		session: session,
		eng:     eng,
		bus:     bus,
		dmn:     dmn,
	}, nil
}

func (a *App) Store() *store.Store    { return a.st }
func (a *App) Engine() *engine.Engine { return a.eng }
func (a *App) Logger() logx.Logger    { return a.log }

// TestConnection dials and authenticates once, then disconnects.
func (a *App) TestConnection(ctx context.Context) error {
	return a.session.TestConnection(ctx)
}

// TickOnce runs a single daemon poll cycle without starting the cron loop.
func (a *App) TickOnce(ctx context.Context) error {
	return a.dmn.Tick(ctx)
}

// Start launches the daemon, the config watcher, and the event log sink.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.dmn.Start(runCtx); err != nil {
		cancel()
		return err
	}

	// Mirror delivery events into the log. Other subscribers (a future
	// status API) attach the same way.
	events, unsub := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	}()

	// Hot-reload: logging changes apply live; everything else takes effect
	// on restart.
	updates := a.cfgm.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.logs.Apply(logCfg(cfg.Logging))
				a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
			}
		}
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	a.started = true
	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

// Stop shuts everything down in reverse order of Start. It is safe to call
// more than once.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.started {
		if err := a.dmn.Stop(ctx); err != nil {
			a.log.Warn("daemon stop", logx.Err(err))
		}
		a.wg.Wait()
		a.started = false
	}

	_ = a.session.Close()
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func logCfg(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
	}
}

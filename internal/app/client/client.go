package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"

	"fieldsync/internal/app/client/config"
	"fieldsync/internal/domain/event"
	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/session"
	"fieldsync/internal/domain/sync"
	"fieldsync/internal/infrastructure/attachment"
	"fieldsync/internal/infrastructure/storage/memory"
	"fieldsync/internal/infrastructure/storage/sqlite"
)

// App wires the sync engine to local storage, the remote authority and the
// optional event feed.
type App struct {
	config    *config.Config
	log       *slog.Logger
	store     record.Store
	authority *HTTPAuthority
	notifier  *event.Notifier
	sessions  session.Servicer
	session   *session.Session
	engine    *sync.Engine
	scheduler *sync.Scheduler
	events    *http.Server

	wg     gosync.WaitGroup
	cancel context.CancelFunc
	mu     gosync.Mutex
}

func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	sessions := session.NewService(NewTokenFile(cfg.TokenPath), log)
	sess, err := sessions.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}

	var store record.Store
	sqliteStore, err := sqlite.Open(ctx, cfg.DataPath, log)
	if err != nil {
		log.Warn("failed to open SQLite store, falling back to memory", "path", cfg.DataPath, "error", err)
		store = memory.New()
	} else {
		store = sqliteStore
	}

	opts := sync.Options{
		Processor: sync.ProcessorConfig{
			MaxInFlight:    cfg.MaxInFlight,
			RequestTimeout: cfg.Timeout(),
			KeepPurged:     cfg.KeepPurged,
		},
		Verifier: attachment.NewVerifier(),
	}
	if cfg.S3.Bucket != "" {
		uploader, err := attachment.NewS3Uploader(ctx, attachment.S3Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		}, log)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init attachment uploader: %w", err)
		}
		opts.Uploader = uploader
	}

	notifier := event.NewNotifier(log, event.DefaultBuffer)
	authority := NewHTTPAuthority(cfg.BaseURL(), sess, cfg.Timeout(), log)
	engine := sync.NewEngine(store, authority, notifier, sess, opts, log)

	app := &App{
		config:    cfg,
		log:       log,
		store:     store,
		authority: authority,
		notifier:  notifier,
		sessions:  sessions,
		session:   sess,
		engine:    engine,
		scheduler: sync.NewScheduler(engine, cfg.SyncEvery(), log),
	}

	if cfg.EventsAddress != "" {
		app.events = &http.Server{
			Addr:              cfg.EventsAddress,
			Handler:           NewEventBridge(notifier, log).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return app, nil
}

func (a *App) Engine() *sync.Engine {
	return a.engine
}

func (a *App) Scheduler() *sync.Scheduler {
	return a.scheduler
}

func (a *App) Config() *config.Config {
	return a.config
}

// Run recovers interrupted operations, then syncs on the configured cadence
// until ctx is done or Shutdown is called.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	if n, err := a.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	} else if n > 0 {
		a.log.Info("requeued interrupted operations", "count", n)
	}

	if a.events != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.log.Info("event feed listening", "address", a.events.Addr)
			if err := a.events.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("event feed stopped", "error", err)
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.scheduler.StartAutoSync(ctx)
	}()

	a.log.Info("client started",
		"server", a.config.BaseURL(),
		"env", a.config.Env,
		"paused", a.session.Paused(),
	)

	if _, err := a.scheduler.Sync(ctx); err != nil && !errors.Is(err, sync.ErrQueuePaused) {
		a.log.Warn("initial sync failed", "error", err)
	}

	<-ctx.Done()

	if a.events != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := a.events.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("event feed shutdown failed", "error", err)
		}
	}
	a.wg.Wait()
	a.engine.Wait()

	return nil
}

func (a *App) Shutdown() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close waits for late responses and closes the store.
func (a *App) Close() error {
	a.engine.Wait()
	return a.store.Close()
}

func (a *App) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return a.authority.HealthCheck(ctx)
}

// Login stores token and resumes a queue paused by an auth failure.
func (a *App) Login(ctx context.Context, token string) error {
	if err := a.sessions.Login(ctx, a.session, token); err != nil {
		return err
	}
	a.engine.Reauthenticated()
	return nil
}

func (a *App) Logout(ctx context.Context) error {
	return a.sessions.Logout(ctx, a.session)
}

func (a *App) Authenticated() bool {
	return a.session.Token() != ""
}

// LastContact is when the server last answered a request.
func (a *App) LastContact() time.Time {
	return a.session.LastContact()
}

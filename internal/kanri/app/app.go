// Package app wires Kanri's components together and runs them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/config"
	"github.com/bdobrica/Kanri/internal/kanri/directory"
	"github.com/bdobrica/Kanri/internal/kanri/ingress"
	"github.com/bdobrica/Kanri/internal/kanri/intent"
	"github.com/bdobrica/Kanri/internal/kanri/matrix"
	"github.com/bdobrica/Kanri/internal/kanri/metrics"
	"github.com/bdobrica/Kanri/internal/kanri/nlp"
	"github.com/bdobrica/Kanri/internal/kanri/pending"
	"github.com/bdobrica/Kanri/internal/kanri/reports"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/tasks"
	"github.com/bdobrica/Kanri/internal/kanri/tracker"
)

// Maintenance job names.
const (
	JobSweep    = "pending-sweep"
	JobSessions = "session-prune"
	JobDedup    = "dedup-prune"
	JobSync     = "directory-sync"
)

// App is the assembled Kanri process.
type App struct {
	cfg       *config.Config
	store     *store.Store
	metrics   *metrics.Metrics
	pending   *pending.Store
	syncer    *directory.Syncer
	pipeline  *Pipeline
	scheduler *Scheduler
	health    *HealthServer
	ingress   *ingress.Server
	matrix    *matrix.Client
	limiter   *nlp.RateLimiter

	typing   typingNotifier
	inflight *inflight
}

// typingNotifier shows the bot as typing in a room.
type typingNotifier interface {
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// typingTimeout caps how long a typing indicator stays on if clearing it
// fails.
const typingTimeout = 30 * time.Second

// New builds every component from cfg. Nothing is started.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	policy, err := cfg.AuthzPolicy()
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &App{cfg: cfg, store: st, metrics: metrics.New(), inflight: newInflight()}
	fail := func(err error) (*App, error) {
		st.Close()
		return nil, err
	}

	dir, err := NewDirectory(cfg)
	if err != nil {
		return fail(err)
	}

	var (
		taskTracker tasks.Tracker
		syncTracker directory.TaskTracker
	)
	if cfg.Tracker.Enabled() {
		tc := tracker.New(tracker.Config{
			BaseURL: cfg.Tracker.BaseURL,
			Token:   cfg.Tracker.Token,
			PlanID:  cfg.Tracker.PlanID,
			Buckets: cfg.Tracker.Buckets,
			Timeout: cfg.Tracker.Timeout,
		})
		taskTracker, syncTracker = tc, tc
		slog.Info("task tracker enabled", "plan", cfg.Tracker.PlanID)
	}
	a.syncer = directory.NewSyncer(st, dir, syncTracker)

	taskSvc := tasks.NewService(tasks.Config{
		Store:   st,
		Tracker: taskTracker,
		PlanID:  cfg.Tracker.PlanID,
		Buckets: cfg.Tracker.Buckets,
	})
	a.pending = pending.NewStore(cfg.Pending.TTL)

	dispatcher := actions.NewDispatcher(actions.DispatcherConfig{
		Policy:  policy,
		Roles:   dir,
		Audit:   st,
		Metrics: a.metrics,
	})
	actions.NewStrategies(actions.Config{
		Tasks:   taskSvc,
		Reports: reports.NewService(st),
		Users:   st,
		Pending: a.pending,
	}).Register(dispatcher)

	parser, limiter, err := NewParser(ctx, cfg, st)
	if err != nil {
		return fail(err)
	}
	a.limiter = limiter

	a.pipeline = NewPipeline(PipelineConfig{
		Store:         st,
		Parser:        parser,
		Dispatcher:    dispatcher,
		Pending:       a.pending,
		Metrics:       a.metrics,
		Location:      loc,
		MaxConcurrent: cfg.MaxConcurrent,
	})

	if cfg.HTTP.Addr != "" {
		a.health = NewHealthServer(cfg.HTTP.Addr, st, a.pending.Len)
		a.health.Handle("/metrics", a.metrics.Handler())
		if cfg.HTTP.Ingress {
			a.ingress = ingress.New(a.handleIngress, ingress.Config{
				Secret:    []byte(cfg.HTTP.Secret),
				RateLimit: cfg.HTTP.RateLimit,
			})
			a.ingress.RegisterRoutes(a.health)
			if cfg.HTTP.Secret == "" {
				slog.Warn("ingress enabled without a shared secret; requests are not authenticated")
			}
		}
	}

	if cfg.Matrix.Enabled() {
		a.matrix, err = matrix.New(&matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
			AutoJoin:    cfg.Matrix.AutoJoin,
			DB:          st.DB(),
		})
		if err != nil {
			return fail(err)
		}
		a.typing = a.matrix
	}

	a.scheduler = NewScheduler(loc, a.metrics)
	if err := a.registerJobs(); err != nil {
		return fail(err)
	}
	return a, nil
}

// NewDirectory returns the configured user directory.
func NewDirectory(cfg *config.Config) (directory.Directory, error) {
	switch cfg.Directory.Source {
	case config.DirectoryGraph:
		return directory.NewGraph(directory.GraphConfig{
			BaseURL:  cfg.Directory.BaseURL,
			Token:    cfg.Directory.Token,
			ClientID: cfg.Directory.ClientID,
		}), nil
	default:
		return directory.NewStatic(cfg.Directory.Users)
	}
}

// NewParser builds the deterministic parser, chained with the configured
// reasoning backend when there is one. The returned limiter is nil without a
// backend.
func NewParser(ctx context.Context, cfg *config.Config, sessions nlp.SessionStore) (intent.Parser, *nlp.RateLimiter, error) {
	rc := cfg.Reasoning
	ncfg := nlp.Config{
		APIKey:      rc.APIKey,
		BaseURL:     rc.BaseURL,
		Model:       rc.Model,
		AssistantID: rc.AssistantID,
		Timeout:     rc.Timeout,
	}

	var (
		backend nlp.Backend
		err     error
	)
	switch rc.Backend {
	case config.BackendChat:
		backend = nlp.NewChat(ncfg)
	case config.BackendAssistants:
		backend, err = nlp.NewAssistants(ncfg, sessions)
	case config.BackendGemini:
		backend, err = nlp.NewGemini(ctx, ncfg)
	default:
		return intent.NewComposite(intent.NewDeterministic(), nil), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	limiter := nlp.NewRateLimiter(rc.RateLimit, time.Minute)
	slog.Info("semantic parsing enabled", "backend", rc.Backend, "model", rc.Model)
	return intent.NewComposite(intent.NewDeterministic(), intent.NewSemantic(backend, limiter)), limiter, nil
}

func (a *App) registerJobs() error {
	jobs := a.cfg.Jobs
	for _, j := range []struct {
		name, schedule string
		fn             JobFunc
	}{
		{JobSweep, jobs.Sweep, a.sweepPending},
		{JobSessions, jobs.Sessions, a.pruneSessions},
		{JobDedup, jobs.Dedup, a.pruneProcessed},
		{JobSync, jobs.Sync, a.Sync},
	} {
		if err := a.scheduler.Add(j.name, j.schedule, j.fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) sweepPending(context.Context) error {
	if n := a.pending.Sweep(time.Now()); n > 0 {
		slog.Info("expired disambiguations dropped", "count", n)
	}
	a.metrics.SetPending(a.pending.Len())
	if a.ingress != nil {
		a.ingress.Limiter().Forget()
	}
	if a.limiter != nil {
		a.limiter.Forget()
	}
	return nil
}

func (a *App) pruneSessions(ctx context.Context) error {
	n, err := a.store.DeleteIdleSessions(ctx, a.cfg.Jobs.SessionIdle)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("idle reasoning sessions removed", "count", n)
	}
	return nil
}

func (a *App) pruneProcessed(ctx context.Context) error {
	n, err := a.store.PruneProcessed(ctx, a.cfg.Jobs.DedupRetention)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("old dedup records removed", "count", n)
	}
	return nil
}

// Sync mirrors the directory into the store and local tasks into the
// tracker.
func (a *App) Sync(ctx context.Context) error {
	return a.syncer.SyncAll(ctx)
}

// Run starts every transport and blocks until SIGINT or SIGTERM, or until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := a.syncer.SyncUsers(ctx); err != nil {
		slog.Warn("initial user sync failed; continuing with stored users", "err", err)
	}

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return err
		}
	}

	if a.matrix != nil {
		slog.Info("starting Matrix sync")
		if err := a.matrix.Start(ctx, a.handleMatrix); err != nil {
			return fmt.Errorf("failed to start Matrix client: %w", err)
		}
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	slog.Info("Kanri is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	return nil
}

// Stop stops every component and closes the database. In-flight messages
// are allowed to finish first.
func (a *App) Stop() {
	if a.matrix != nil {
		slog.Info("stopping Matrix client")
		a.matrix.Stop()
	}
	if a.health != nil {
		slog.Info("stopping health server")
		a.health.Stop()
	}
	a.scheduler.Stop()
	a.inflight.drain()
	a.Close()
}

// Close closes the database. Use it instead of Stop when Run was never
// called.
func (a *App) Close() {
	slog.Info("closing database")
	a.store.Close()
}

func (a *App) handleIngress(ctx context.Context, msg ingress.Message, reply actions.Replier) (bool, error) {
	return a.pipeline.Handle(ctx, Inbound{
		Source:       ingress.Source,
		ID:           msg.ID,
		Conversation: msg.ConversationID,
		Sender:       msg.Sender,
		Text:         msg.Text,
	}, reply)
}

// handleMatrix runs the pipeline off the sync goroutine so a slow reasoning
// call does not hold up /sync. Handlers run on the in-flight context, which
// Stop cancels only after they return.
func (a *App) handleMatrix(_ context.Context, msg matrix.Message, reply actions.Replier) {
	a.inflight.run(func(ctx context.Context) {
		a.setTyping(ctx, msg.Conversation, true)
		defer a.setTyping(ctx, msg.Conversation, false)

		_, err := a.pipeline.Handle(ctx, Inbound{
			Source:       matrix.Source,
			ID:           msg.ID,
			Conversation: msg.Conversation,
			Sender:       msg.Sender,
			Text:         msg.Text,
		}, reply)
		if err != nil {
			slog.Error("failed to handle Matrix message", "event", msg.ID, "room", msg.Conversation, "err", err)
		}
	})
}

func (a *App) setTyping(ctx context.Context, room string, on bool) {
	if a.typing == nil {
		return
	}
	if err := a.typing.SetTyping(ctx, room, on, typingTimeout); err != nil {
		slog.Debug("failed to set typing indicator", "room", room, "typing", on, "err", err)
	}
}

// inflight tracks message handlers started from transport callbacks.
type inflight struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newInflight() *inflight {
	ctx, cancel := context.WithCancel(context.Background())
	return &inflight{ctx: ctx, cancel: cancel}
}

func (f *inflight) run(fn func(ctx context.Context)) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn(f.ctx)
	}()
}

// drain waits for every running handler and then cancels their context.
func (f *inflight) drain() {
	f.wg.Wait()
	f.cancel()
}

package loop

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"aegis/internal/alert"
	"aegis/internal/async"
	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/errors"
	"aegis/internal/executor"
	"aegis/internal/guardrail"
	"aegis/internal/logging"
	"aegis/internal/playbook"
	"aegis/internal/reactor"
	"aegis/internal/scheduler"
	"aegis/internal/store"
)

const guardrailDocument = "guardrail_state"

// Loop wires the scheduler, reactor, and action engine into the running
// control loop: alert intake on one side, guarded remediation on the other.
type Loop struct {
	cfg    *config.Config
	logger logging.Logger

	store      *store.FileStore
	guardrails *guardrail.Store
	registry   *executor.Registry
	library    *playbook.Library
	engine     *engine.Engine
	reactor    *reactor.Reactor
	scheduler  *scheduler.Scheduler
	cron       *cron.Cron
}

// failureEvents feeds exhausted scheduler tasks into the daemon log.
type failureEvents struct {
	logger logging.Logger
}

func (e failureEvents) TaskFailed(task scheduler.Task) {
	e.logger.Error("task %q (%s) failed permanently after %d retries: %s",
		task.Name, task.ID, task.RetryCount, task.LastError)
}

// New assembles the full control loop from configuration. Configuration and
// playbook errors are fatal here; nothing else is.
func New(cfg *config.Config, logger logging.Logger) (*Loop, error) {
	logger = logging.OrNop(logger)

	fileStore, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loop: open store: %w", err)
	}

	guardrails := guardrail.New(guardrail.Config{
		HourlyLimit:       cfg.Guardrails.HourlyLimit,
		SignatureCooldown: cfg.Guardrails.SignatureCooldown,
		StreakWindow:      cfg.Guardrails.StreakWindow,
		BudgetThreshold:   cfg.Guardrails.BudgetThreshold,
	}, logging.NewComponentLogger("guardrail"))

	var guardSnap guardrail.Snapshot
	if err := fileStore.Load(guardrailDocument, &guardSnap); err != nil {
		if !stderrors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loop: restore guardrails: %w", err)
		}
	} else {
		guardrails.Restore(guardSnap)
	}

	registry := executor.NewDefaultRegistry(logging.NewComponentLogger("executor"))

	var notifiers engine.MultiNotifier
	notifiers = append(notifiers, engine.NewLogNotifier(logging.NewComponentLogger("notify")))
	if cfg.Notifications.WebhookURL != "" {
		notifiers = append(notifiers, engine.NewWebhookNotifier(cfg.Notifications.WebhookURL, logging.NewComponentLogger("notify")))
	}

	eng, err := engine.New(engine.Config{
		MediumPerBatch: cfg.Engine.MediumPerBatch,
		HistoryLimit:   cfg.Engine.HistoryLimit,
	}, fileStore, guardrails, registry, notifiers, logging.NewComponentLogger("engine"))
	if err != nil {
		return nil, err
	}

	library, err := playbook.NewLibrary(cfg.Playbooks.Path)
	if err != nil {
		return nil, err
	}

	react, err := reactor.New(reactor.Config{
		CooldownCap:      cfg.Reactor.CooldownCap,
		SuccessRateFloor: cfg.Reactor.SuccessRateFloor,
		Breaker: errors.CircuitBreakerConfig{
			FailureThreshold: cfg.Reactor.BreakerFailureThreshold,
			SuccessThreshold: cfg.Reactor.BreakerSuccessThreshold,
			Cooldown:         cfg.Reactor.BreakerCooldown,
		},
		Fuse: reactor.FuseConfig{
			Window:    cfg.Fuse.Window,
			Threshold: cfg.Fuse.Threshold,
			Cooldown:  cfg.Fuse.Cooldown,
		},
	}, library, registry, eng, fileStore, logging.NewComponentLogger("reactor"))
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		Workers:           cfg.Scheduler.Workers,
		DefaultTimeout:    cfg.Scheduler.DefaultTimeout,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
	}, fileStore, failureEvents{logger: logger}, logging.NewComponentLogger("scheduler"))

	return &Loop{
		cfg:        cfg,
		logger:     logger,
		store:      fileStore,
		guardrails: guardrails,
		registry:   registry,
		library:    library,
		engine:     eng,
		reactor:    react,
		scheduler:  sched,
		cron:       cron.New(),
	}, nil
}

// Submit turns an alert into a scheduler task. Severity picks the tier:
// critical alerts jump the queue, informational ones yield to everything
// else.
func (l *Loop) Submit(a alert.Alert) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	return l.scheduler.Submit(&scheduler.Task{
		Name:     "react:" + a.ID,
		Priority: severityTier(a.Severity),
		Handler: func(ctx context.Context) error {
			_, err := l.reactor.React(ctx, a)
			return err
		},
	})
}

// Run starts the periodic jobs and blocks in the scheduler's dispatch loop
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	drainSpec := fmt.Sprintf("@every %s", l.cfg.Engine.DrainInterval)
	if _, err := l.cron.AddFunc(drainSpec, func() {
		processed := l.engine.RunBatch(ctx, l.cfg.Engine.BatchLimit)
		if len(processed) > 0 {
			l.logger.Debug("drained %d action records", len(processed))
		}
		l.saveGuardrails()
	}); err != nil {
		return fmt.Errorf("loop: schedule drain: %w", err)
	}
	l.cron.Start()
	defer l.cron.Stop()

	if l.cfg.Playbooks.Watch {
		watcher := playbook.NewWatcher(l.library, logging.NewComponentLogger("playbook"))
		async.Go(l.logger, "playbook-watcher", func() {
			if err := watcher.Run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
				l.logger.Warn("playbook watcher stopped: %v", err)
			}
		})
	}

	if l.cfg.Metrics.Enabled {
		server := &http.Server{Addr: l.cfg.Metrics.Listen, Handler: promhttp.Handler()}
		async.Go(l.logger, "metrics-server", func() {
			l.logger.Info("metrics listening on %s", l.cfg.Metrics.Listen)
			if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				l.logger.Error("metrics server: %v", err)
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	err := l.scheduler.Run(ctx)
	l.saveGuardrails()
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Loop) saveGuardrails() {
	if err := l.store.Save(guardrailDocument, l.guardrails.Snapshot()); err != nil {
		l.logger.Warn("persist guardrails: %v", err)
	}
}

// Engine exposes the action engine for the operator surface.
func (l *Loop) Engine() *engine.Engine { return l.engine }

// Reactor exposes the reactor for the operator surface.
func (l *Loop) Reactor() *reactor.Reactor { return l.reactor }

// Scheduler exposes the scheduler for the operator surface.
func (l *Loop) Scheduler() *scheduler.Scheduler { return l.scheduler }

// Library exposes the playbook library.
func (l *Loop) Library() *playbook.Library { return l.library }

// Guardrails exposes the guardrail store.
func (l *Loop) Guardrails() *guardrail.Store { return l.guardrails }

func severityTier(severity alert.Severity) scheduler.TaskPriority {
	switch severity {
	case alert.SeverityCrit:
		return scheduler.PriorityP0
	case alert.SeverityWarn:
		return scheduler.PriorityP1
	default:
		return scheduler.PriorityP2
	}
}

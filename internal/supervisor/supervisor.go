// Package supervisor owns the lifecycle of the per-bot polling workers
// and the webhook health checks. It runs a periodic tick that reconciles
// the set of running workers with the bot registry and applies
// operator-requested actions.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/telegram"
	"github.com/iraniu/adsbot/internal/worker"
)

// Options tunes the supervisor loops.
type Options struct {
	TickInterval         time.Duration
	WebhookCheckInterval time.Duration
	HeartbeatThreshold   time.Duration
	ShutdownGracePeriod  time.Duration
	Worker               worker.Options
}

// handle is the bookkeeping for one running worker.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor keeps one polling worker per active polling bot alive and
// health-checks webhook bots on a slower cadence.
type Supervisor struct {
	api     telegram.API
	store   database.Store
	handler worker.Handler
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[int64]*handle
	// stopped holds bots an operator explicitly stopped; the reconciler
	// leaves them alone until a start or restart is requested.
	stopped map[int64]bool

	workerCtx    context.Context
	workerCancel context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a supervisor.
func New(api telegram.API, store database.Store, handler worker.Handler, opts Options, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		api:     api,
		store:   store,
		handler: handler,
		opts:    opts,
		logger:  logger.With("component", "supervisor"),
		workers: make(map[int64]*handle),
		stopped: make(map[int64]bool),
	}
}

// Run blocks until ctx is canceled, then shuts the workers down within the
// configured grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	s.workerCtx, s.workerCancel = context.WithCancel(context.Background())
	defer s.workerCancel()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(s.opts.TickInterval),
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithName("supervisor-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return fmt.Errorf("failed to schedule supervisor tick: %w", err)
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(s.opts.WebhookCheckInterval),
		gocron.NewTask(func() { s.checkWebhooks(ctx) }),
		gocron.WithName("webhook-health"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule webhook health check: %w", err)
	}

	scheduler.Start()
	s.logger.Info("supervisor started",
		"tick", s.opts.TickInterval,
		"webhook_check", s.opts.WebhookCheckInterval)

	<-ctx.Done()

	if err := scheduler.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown failed", "error", err)
	}

	s.shutdownWorkers()
	return nil
}

// tick is one reconciliation pass: expire stale heartbeats, apply pending
// operator actions and make sure every active polling bot has a worker.
func (s *Supervisor) tick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.opts.HeartbeatThreshold)
	if n, err := s.store.MarkStaleBotsOffline(ctx, cutoff); err != nil {
		s.logger.Error("failed to expire stale heartbeats", "error", err)
	} else if n > 0 {
		s.logger.Warn("marked bots offline on stale heartbeat", "count", n)
	}

	s.reapDeadWorkers()

	bots, err := s.store.ListActiveBots(ctx, database.ModePolling)
	if err != nil {
		s.logger.Error("failed to list polling bots", "error", err)
		return
	}

	for i := range bots {
		bot := bots[i]
		s.applyRequestedAction(ctx, &bot)
	}
}

func (s *Supervisor) applyRequestedAction(ctx context.Context, bot *database.Bot) {
	switch bot.RequestedAction {
	case database.ActionStop:
		s.logger.Info("applying operator stop", "bot_id", bot.ID)
		s.stopWorker(bot.ID)
		s.setStopped(bot.ID, true)
		s.clearAction(ctx, bot.ID)
		return

	case database.ActionRestart:
		s.logger.Info("applying operator restart", "bot_id", bot.ID)
		s.stopWorker(bot.ID)
		s.setStopped(bot.ID, false)
		s.clearError(ctx, bot)
		s.clearAction(ctx, bot.ID)

	case database.ActionStart:
		s.logger.Info("applying operator start", "bot_id", bot.ID)
		s.setStopped(bot.ID, false)
		s.clearError(ctx, bot)
		s.clearAction(ctx, bot.ID)
	}

	s.ensureRunning(bot)
}

// ensureRunning starts a worker for the bot unless one is alive, the bot
// was explicitly stopped, or the bot sits in error status awaiting an
// operator (a rejected token must not be retried in a loop).
func (s *Supervisor) ensureRunning(bot *database.Bot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped[bot.ID] {
		return
	}
	if bot.Status == database.StatusError {
		return
	}
	if _, running := s.workers[bot.ID]; running {
		return
	}

	wctx, cancel := context.WithCancel(s.workerCtx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	s.workers[bot.ID] = h

	w := worker.New(bot, s.api, s.store, s.handler, s.opts.Worker, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("worker panicked",
					"bot_id", bot.ID,
					"panic", r)
				s.markErrored(bot.ID, fmt.Sprintf("worker panic: %v", r))
			}
		}()

		if err := w.Run(wctx); err != nil {
			s.logger.Error("worker exited with error",
				"bot_id", bot.ID,
				"error", err)
		}
	}()

	s.logger.Info("worker launched", "bot_id", bot.ID)
}

// reapDeadWorkers drops bookkeeping for workers that have exited so the
// next tick can restart them.
func (s *Supervisor) reapDeadWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.workers {
		select {
		case <-h.done:
			h.cancel()
			delete(s.workers, id)
			s.logger.Info("reaped dead worker", "bot_id", id)
		default:
		}
	}
}

func (s *Supervisor) stopWorker(botID int64) {
	s.mu.Lock()
	h, ok := s.workers[botID]
	if ok {
		delete(s.workers, botID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(s.opts.ShutdownGracePeriod):
		s.logger.Warn("worker did not stop within grace period", "bot_id", botID)
	}
}

// shutdownWorkers signals every worker to stop and waits up to the grace
// period. Stragglers are logged and abandoned; their goroutines unwind as
// soon as their poll call returns.
func (s *Supervisor) shutdownWorkers() {
	s.workerCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all workers stopped")
	case <-time.After(s.opts.ShutdownGracePeriod):
		s.logger.Warn("shutdown grace period elapsed with workers still running")
	}
}

// checkWebhooks validates token and webhook registration for every active
// webhook-mode bot and records the result in its status.
func (s *Supervisor) checkWebhooks(ctx context.Context) {
	bots, err := s.store.ListActiveBots(ctx, database.ModeWebhook)
	if err != nil {
		s.logger.Error("failed to list webhook bots", "error", err)
		return
	}

	for i := range bots {
		bot := bots[i]

		if _, err := s.api.GetMe(ctx, bot.Token); err != nil {
			s.logger.Warn("webhook bot token check failed", "bot_id", bot.ID, "error", err)
			s.markErrored(bot.ID, fmt.Sprintf("token check failed: %v", err))
			continue
		}

		info, err := s.api.GetWebhookInfo(ctx, bot.Token)
		if err != nil {
			s.logger.Warn("webhook info check failed", "bot_id", bot.ID, "error", err)
			s.markErrored(bot.ID, fmt.Sprintf("webhook info check failed: %v", err))
			continue
		}

		switch {
		case info.URL == "":
			s.markErrored(bot.ID, "no webhook registered")
		case !strings.HasPrefix(info.URL, "https://"):
			s.markErrored(bot.ID, "webhook is not using https")
		default:
			if err := s.store.UpdateBotStatus(ctx, bot.ID, database.StatusOnline, ""); err != nil {
				s.logger.Warn("failed to update webhook bot status", "bot_id", bot.ID, "error", err)
			}
		}
	}
}

func (s *Supervisor) setStopped(botID int64, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.stopped[botID] = true
	} else {
		delete(s.stopped, botID)
	}
}

func (s *Supervisor) clearAction(ctx context.Context, botID int64) {
	if err := s.store.ClearRequestedAction(ctx, botID); err != nil {
		s.logger.Error("failed to clear requested action", "bot_id", botID, "error", err)
	}
}

// clearError resets an errored bot before an operator-requested start so
// the reconciler will launch it again.
func (s *Supervisor) clearError(ctx context.Context, bot *database.Bot) {
	if bot.Status != database.StatusError {
		return
	}
	if err := s.store.UpdateBotStatus(ctx, bot.ID, database.StatusOffline, ""); err != nil {
		s.logger.Error("failed to reset bot status", "bot_id", bot.ID, "error", err)
		return
	}
	bot.Status = database.StatusOffline
}

func (s *Supervisor) markErrored(botID int64, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.UpdateBotStatus(ctx, botID, database.StatusError, msg); err != nil {
		s.logger.Error("failed to mark bot errored", "bot_id", botID, "error", err)
	}
}

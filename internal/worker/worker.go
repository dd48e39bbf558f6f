// Package worker runs one long-poll loop per bot. A worker validates the
// token and clears any stray webhook before polling, hands updates to the
// dispatcher sequentially, and maintains the bot's heartbeat and status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/telegram"
)

// conflictLadder holds the escalating waits applied after 409 responses,
// which mean another poller is active for the same token.
var conflictLadder = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

// pollErrorSleep spaces out retries after a failed poll cycle; the client
// has already done its own short retries by then.
const pollErrorSleep = 2 * time.Second

// Handler consumes one update. Implemented by the dispatcher.
type Handler interface {
	Process(ctx context.Context, bot *database.Bot, upd *models.Update)
}

// Options tunes one worker's poll loop.
type Options struct {
	PollTimeout          time.Duration
	PollLimit            int
	MaxConsecutiveErrors int
}

// Worker is the long-poll loop for a single bot.
type Worker struct {
	bot     *database.Bot
	api     telegram.API
	store   database.Store
	handler Handler
	opts    Options
	logger  *slog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a worker for the given bot.
func New(bot *database.Bot, api telegram.API, store database.Store, handler Handler, opts Options, logger *slog.Logger) *Worker {
	return &Worker{
		bot:     bot,
		api:     api,
		store:   store,
		handler: handler,
		opts:    opts,
		logger:  logger.With("component", "worker", "bot_id", bot.ID),
		sleep:   sleepCtx,
	}
}

// Run blocks until the context is canceled or the worker gives up. It
// returns nil on a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.startup(ctx); err != nil {
		return err
	}

	w.logger.Info("worker started")

	var (
		offset       int64
		consecutive  int
		conflictStep int
	)

	for {
		if ctx.Err() != nil {
			return w.shutdown()
		}

		updates, next, err := w.api.GetUpdates(ctx, w.bot.Token, offset, w.opts.PollTimeout, w.opts.PollLimit)
		if err != nil {
			if ctx.Err() != nil {
				return w.shutdown()
			}

			switch telegram.KindOf(err) {
			case telegram.KindAuth:
				w.logger.Error("token rejected, stopping worker", "error", err)
				w.setError(err)
				return err

			case telegram.KindConflict:
				delay := conflictLadder[min(conflictStep, len(conflictLadder)-1)]
				conflictStep++
				w.logger.Warn("another poller is active, backing off",
					"delay", delay,
					"error", err)
				// The worker is alive while it waits out the conflict; a
				// heartbeat keeps the stale-heartbeat sweep from flagging it.
				w.heartbeat(ctx)
				if err := w.sleep(ctx, delay); err != nil {
					return w.shutdown()
				}
				continue

			default:
				consecutive++
				w.logger.Warn("poll cycle failed",
					"consecutive", consecutive,
					"error", err)
				if consecutive >= w.opts.MaxConsecutiveErrors {
					w.logger.Error("too many consecutive poll failures, stopping worker")
					w.setError(err)
					return fmt.Errorf("giving up after %d consecutive poll failures: %w", consecutive, err)
				}
				if err := w.sleep(ctx, pollErrorSleep); err != nil {
					return w.shutdown()
				}
				continue
			}
		}

		consecutive = 0
		conflictStep = 0
		offset = next

		w.heartbeat(ctx)

		for i := range updates {
			if ctx.Err() != nil {
				return w.shutdown()
			}
			w.handler.Process(ctx, w.bot, &updates[i])
		}
	}
}

// startup validates the token and enforces the polling/webhook mutual
// exclusivity by clearing any registered webhook. Both are fatal when they
// fail; polling must not start against a broken or webhook-bound token.
func (w *Worker) startup(ctx context.Context) error {
	me, err := w.api.GetMe(ctx, w.bot.Token)
	if err != nil {
		w.setError(err)
		return fmt.Errorf("token validation failed: %w", err)
	}

	if err := w.api.DeleteWebhook(ctx, w.bot.Token, false); err != nil {
		w.setError(err)
		return fmt.Errorf("failed to clear webhook before polling: %w", err)
	}

	w.logger.Info("token validated", "bot_username", me.Username)
	w.heartbeat(ctx)
	return nil
}

// shutdown clears the worker's running-state fields on a cooperative stop.
func (w *Worker) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.store.UpdateBotStatus(ctx, w.bot.ID, database.StatusOffline, ""); err != nil {
		w.logger.Warn("failed to mark bot offline on stop", "error", err)
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) {
	if err := w.store.UpdateBotHeartbeat(ctx, w.bot.ID, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("failed to update heartbeat", "error", err)
	}
}

func (w *Worker) setError(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.store.UpdateBotStatus(ctx, w.bot.ID, database.StatusError, cause.Error()); err != nil {
		w.logger.Warn("failed to record bot error status", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

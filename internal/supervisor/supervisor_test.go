package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/telegram"
	"github.com/iraniu/adsbot/internal/worker"
)

// blockingAPI keeps pollers parked on GetUpdates until their context is
// canceled, so tests control worker lifetime.
type blockingAPI struct {
	mu          sync.Mutex
	getMeErr    error
	webhookInfo *models.WebhookInfo
	infoErr     error
	polls       int
}

func (b *blockingAPI) GetMe(context.Context, string) (*models.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getMeErr != nil {
		return nil, b.getMeErr
	}
	return &models.User{Username: "test_bot"}, nil
}

func (b *blockingAPI) GetUpdates(ctx context.Context, _ string, offset int64, _ time.Duration, _ int) ([]models.Update, int64, error) {
	b.mu.Lock()
	b.polls++
	b.mu.Unlock()
	<-ctx.Done()
	return nil, offset, ctx.Err()
}

func (b *blockingAPI) SendMessage(context.Context, string, int64, string, models.ReplyMarkup) (int64, error) {
	return 0, nil
}

func (b *blockingAPI) EditMessageText(context.Context, string, int64, int64, string, models.ReplyMarkup) error {
	return nil
}

func (b *blockingAPI) AnswerCallbackQuery(context.Context, string, string, string) error { return nil }

func (b *blockingAPI) SetWebhook(context.Context, string, string, string) error { return nil }

func (b *blockingAPI) DeleteWebhook(context.Context, string, bool) error { return nil }

func (b *blockingAPI) GetWebhookInfo(context.Context, string) (*models.WebhookInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.infoErr != nil {
		return nil, b.infoErr
	}
	return b.webhookInfo, nil
}

type fakeRegistry struct {
	database.Store

	mu       sync.Mutex
	bots     []database.Bot
	statuses map[int64]string
	cleared  []int64
}

func newFakeRegistry(bots ...database.Bot) *fakeRegistry {
	return &fakeRegistry{bots: bots, statuses: map[int64]string{}}
}

func (f *fakeRegistry) ListActiveBots(_ context.Context, mode string) ([]database.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.Bot
	for _, b := range f.bots {
		b := b
		if b.IsActive && (mode == "" || b.Mode == mode) {
			if st, ok := f.statuses[b.ID]; ok {
				b.Status = st
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeRegistry) UpdateBotStatus(_ context.Context, id int64, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeRegistry) UpdateBotHeartbeat(_ context.Context, id int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = database.StatusOnline
	return nil
}

func (f *fakeRegistry) ClearRequestedAction(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	for i := range f.bots {
		if f.bots[i].ID == id {
			f.bots[i].RequestedAction = database.ActionNone
		}
	}
	return nil
}

func (f *fakeRegistry) MarkStaleBotsOffline(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeRegistry) status(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type nopHandler struct{}

func (nopHandler) Process(context.Context, *database.Bot, *models.Update) {}

func testSupervisor(api telegram.API, store database.Store) *Supervisor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(api, store, nopHandler{}, Options{
		TickInterval:         10 * time.Second,
		WebhookCheckInterval: time.Minute,
		HeartbeatThreshold:   90 * time.Second,
		ShutdownGracePeriod:  time.Second,
		Worker: worker.Options{
			PollTimeout:          time.Second,
			PollLimit:            100,
			MaxConsecutiveErrors: 3,
		},
	}, logger)
	s.workerCtx, s.workerCancel = context.WithCancel(context.Background())
	return s
}

func (s *Supervisor) runningWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func pollingBot(id int64) database.Bot {
	return database.Bot{ID: id, Token: "123:abc", Mode: database.ModePolling, IsActive: true, Status: database.StatusOffline}
}

func TestTickLaunchesWorkerOnce(t *testing.T) {
	t.Parallel()

	api := &blockingAPI{}
	store := newFakeRegistry(pollingBot(1))
	s := testSupervisor(api, store)
	defer s.shutdownWorkers()

	s.tick(context.Background())
	if got := s.runningWorkers(); got != 1 {
		t.Fatalf("workers = %d, want 1", got)
	}

	s.tick(context.Background())
	if got := s.runningWorkers(); got != 1 {
		t.Fatalf("workers = %d after second tick, want 1", got)
	}

	waitFor(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.polls >= 1
	}, "worker never started polling")
}

func TestOperatorStopAndStart(t *testing.T) {
	t.Parallel()

	api := &blockingAPI{}
	store := newFakeRegistry(pollingBot(1))
	s := testSupervisor(api, store)
	defer s.shutdownWorkers()

	s.tick(context.Background())
	waitFor(t, func() bool { return s.runningWorkers() == 1 }, "worker not launched")

	store.mu.Lock()
	store.bots[0].RequestedAction = database.ActionStop
	store.mu.Unlock()

	s.tick(context.Background())
	if got := s.runningWorkers(); got != 0 {
		t.Fatalf("workers = %d after stop, want 0", got)
	}

	// A plain tick must not resurrect an operator-stopped bot.
	s.tick(context.Background())
	if got := s.runningWorkers(); got != 0 {
		t.Fatalf("workers = %d, stopped bot was resurrected", got)
	}

	store.mu.Lock()
	store.bots[0].RequestedAction = database.ActionStart
	store.mu.Unlock()

	s.tick(context.Background())
	if got := s.runningWorkers(); got != 1 {
		t.Fatalf("workers = %d after start, want 1", got)
	}
}

func TestErroredBotNotRelaunchedWithoutOperator(t *testing.T) {
	t.Parallel()

	api := &blockingAPI{}
	store := newFakeRegistry(pollingBot(1))
	store.statuses[1] = database.StatusError
	s := testSupervisor(api, store)
	defer s.shutdownWorkers()

	s.tick(context.Background())
	if got := s.runningWorkers(); got != 0 {
		t.Fatalf("workers = %d, errored bot must wait for an operator", got)
	}

	store.mu.Lock()
	store.bots[0].RequestedAction = database.ActionRestart
	store.mu.Unlock()

	s.tick(context.Background())
	if got := s.runningWorkers(); got != 1 {
		t.Fatalf("workers = %d after restart, want 1", got)
	}
	if store.status(1) == database.StatusError {
		t.Error("restart should clear the error status")
	}
}

func TestCrashedWorkerIsReapedAndRestarted(t *testing.T) {
	t.Parallel()

	api := &blockingAPI{}
	store := newFakeRegistry(pollingBot(1))
	s := testSupervisor(api, store)
	defer s.shutdownWorkers()

	s.tick(context.Background())
	waitFor(t, func() bool { return s.runningWorkers() == 1 }, "worker not launched")

	// Simulate a crash by cancelling the worker's context directly.
	s.mu.Lock()
	for _, h := range s.workers {
		h := h
		h.cancel()
	}
	s.mu.Unlock()

	waitFor(t, func() bool {
		s.reapDeadWorkers()
		return s.runningWorkers() == 0
	}, "dead worker never reaped")

	// Clean exits leave the bot offline, so the next tick restarts it.
	s.tick(context.Background())
	if got := s.runningWorkers(); got != 1 {
		t.Fatalf("workers = %d after restart tick, want 1", got)
	}
}

func TestWebhookHealthCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		info       *models.WebhookInfo
		infoErr    error
		wantStatus string
	}{
		{
			name:       "healthy https webhook",
			info:       &models.WebhookInfo{URL: "https://ads.example.com/telegram/webhook/s3cret"},
			wantStatus: database.StatusOnline,
		},
		{
			name:       "no webhook registered",
			info:       &models.WebhookInfo{},
			wantStatus: database.StatusError,
		},
		{
			name:       "insecure transport",
			info:       &models.WebhookInfo{URL: "http://ads.example.com/hook"},
			wantStatus: database.StatusError,
		},
		{
			name:       "info call fails",
			infoErr:    &telegram.APIError{Kind: telegram.KindServer, Method: "getWebhookInfo", StatusCode: 502},
			wantStatus: database.StatusError,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bot := database.Bot{ID: 7, Token: "123:abc", Mode: database.ModeWebhook, IsActive: true}
			api := &blockingAPI{webhookInfo: tt.info, infoErr: tt.infoErr}
			store := newFakeRegistry(bot)
			s := testSupervisor(api, store)

			s.checkWebhooks(context.Background())

			if got := store.status(7); got != tt.wantStatus {
				t.Errorf("status = %q, want %q", got, tt.wantStatus)
			}
		})
	}
}

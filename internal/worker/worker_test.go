package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/telegram"
)

type pollResult struct {
	updates []models.Update
	next    int64
	err     error
}

// scriptedAPI replays a fixed sequence of poll results and cancels the
// run context once the script is exhausted.
type scriptedAPI struct {
	script  []pollResult
	offsets []int64
	cancel  context.CancelFunc

	getMeErr      error
	deleteWebhook error
}

func (s *scriptedAPI) GetMe(context.Context, string) (*models.User, error) {
	if s.getMeErr != nil {
		return nil, s.getMeErr
	}
	return &models.User{Username: "test_bot"}, nil
}

func (s *scriptedAPI) DeleteWebhook(context.Context, string, bool) error {
	return s.deleteWebhook
}

func (s *scriptedAPI) GetUpdates(ctx context.Context, _ string, offset int64, _ time.Duration, _ int) ([]models.Update, int64, error) {
	s.offsets = append(s.offsets, offset)
	if len(s.script) == 0 {
		s.cancel()
		return nil, offset, ctx.Err()
	}
	r := s.script[0]
	s.script = s.script[1:]
	return r.updates, r.next, r.err
}

func (s *scriptedAPI) SendMessage(context.Context, string, int64, string, models.ReplyMarkup) (int64, error) {
	return 0, nil
}

func (s *scriptedAPI) EditMessageText(context.Context, string, int64, int64, string, models.ReplyMarkup) error {
	return nil
}

func (s *scriptedAPI) AnswerCallbackQuery(context.Context, string, string, string) error { return nil }

func (s *scriptedAPI) SetWebhook(context.Context, string, string, string) error { return nil }

func (s *scriptedAPI) GetWebhookInfo(context.Context, string) (*models.WebhookInfo, error) {
	return &models.WebhookInfo{}, nil
}

type recordingStore struct {
	database.Store

	statuses   []string
	lastError  string
	heartbeats int
}

func (r *recordingStore) UpdateBotStatus(_ context.Context, _ int64, status, lastError string) error {
	r.statuses = append(r.statuses, status)
	r.lastError = lastError
	return nil
}

func (r *recordingStore) UpdateBotHeartbeat(context.Context, int64, time.Time) error {
	r.heartbeats++
	return nil
}

type recordingHandler struct {
	updates []int64
}

func (r *recordingHandler) Process(_ context.Context, _ *database.Bot, upd *models.Update) {
	r.updates = append(r.updates, upd.ID)
}

func testWorker(api *scriptedAPI) (*Worker, *recordingStore, *recordingHandler) {
	store := &recordingStore{}
	handler := &recordingHandler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bot := &database.Bot{ID: 1, Token: "123:abc", Mode: database.ModePolling}

	w := New(bot, api, store, handler, Options{
		PollTimeout:          time.Second,
		PollLimit:            100,
		MaxConsecutiveErrors: 3,
	}, logger)
	w.sleep = func(context.Context, time.Duration) error { return nil }

	return w, store, handler
}

func runScripted(t *testing.T, api *scriptedAPI, w *Worker) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api.cancel = cancel

	return w.Run(ctx)
}

func TestWorkerDispatchesSequentiallyAndAdvancesOffset(t *testing.T) {
	t.Parallel()

	api := &scriptedAPI{script: []pollResult{
		{
			updates: []models.Update{{ID: 10}, {ID: 11}, {ID: 12}},
			next:    13,
		},
		{
			updates: []models.Update{{ID: 13}},
			next:    14,
		},
	}}

	w, store, handler := testWorker(api)

	if err := runScripted(t, api, w); err != nil {
		t.Fatalf("Run returned %v, want nil on clean stop", err)
	}

	want := []int64{10, 11, 12, 13}
	if len(handler.updates) != len(want) {
		t.Fatalf("dispatched %v, want %v", handler.updates, want)
	}
	for i, id := range want {
		if handler.updates[i] != id {
			t.Fatalf("dispatched %v, want %v", handler.updates, want)
		}
	}

	// First poll from 0, then the returned offsets.
	if api.offsets[0] != 0 || api.offsets[1] != 13 || api.offsets[2] != 14 {
		t.Errorf("offsets = %v", api.offsets)
	}

	if store.heartbeats < 2 {
		t.Errorf("heartbeats = %d, want at least one per successful cycle", store.heartbeats)
	}

	// Clean stop leaves the bot offline, not errored.
	if n := len(store.statuses); n == 0 || store.statuses[n-1] != database.StatusOffline {
		t.Errorf("statuses = %v, want trailing offline", store.statuses)
	}
}

func TestWorkerConflictLadderIsNonDecreasingAndNonFatal(t *testing.T) {
	t.Parallel()

	conflict := func() error {
		return &telegram.APIError{Kind: telegram.KindConflict, Method: "getUpdates", StatusCode: 409}
	}
	api := &scriptedAPI{script: []pollResult{
		{err: conflict()},
		{err: conflict()},
		{err: conflict()},
		{err: conflict()},
		{err: conflict()},
		{err: conflict()},
		{updates: []models.Update{{ID: 1}}, next: 2},
	}}

	w, store, handler := testWorker(api)

	var sleeps []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	if err := runScripted(t, api, w); err != nil {
		t.Fatalf("Run returned %v, conflicts must not be fatal", err)
	}

	if len(sleeps) != 6 {
		t.Fatalf("sleeps = %v, want 6 conflict delays", sleeps)
	}
	for i := 1; i < len(sleeps); i++ {
		if sleeps[i] < sleeps[i-1] {
			t.Errorf("ladder decreased: %v", sleeps)
		}
	}
	// The ladder tops out at its last rung.
	if sleeps[5] != 60*time.Second {
		t.Errorf("capped delay = %v, want 60s", sleeps[5])
	}

	if len(handler.updates) != 1 {
		t.Errorf("dispatched = %v, polling should resume after conflicts", handler.updates)
	}
	for _, s := range store.statuses {
		if s == database.StatusError {
			t.Error("conflicts must not mark the bot errored")
		}
	}

	// One heartbeat at startup, one per conflict wait, one for the
	// successful cycle: the stale-heartbeat sweep must not flag a worker
	// that is alive but waiting out a long ladder rung.
	if store.heartbeats < 8 {
		t.Errorf("heartbeats = %d, want one per conflict wait", store.heartbeats)
	}
}

func TestWorkerStopsOnAuthError(t *testing.T) {
	t.Parallel()

	api := &scriptedAPI{script: []pollResult{
		{err: &telegram.APIError{Kind: telegram.KindAuth, Method: "getUpdates", StatusCode: 401}},
	}}

	w, store, _ := testWorker(api)

	err := runScripted(t, api, w)
	if err == nil {
		t.Fatal("Run must return an error on 401")
	}

	if n := len(store.statuses); n == 0 || store.statuses[n-1] != database.StatusError {
		t.Errorf("statuses = %v, want trailing error", store.statuses)
	}
}

func TestWorkerGivesUpAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	netErr := func() error {
		return &telegram.APIError{Kind: telegram.KindNetwork, Method: "getUpdates", Err: errors.New("connection refused")}
	}
	api := &scriptedAPI{script: []pollResult{
		{err: netErr()},
		{err: netErr()},
		{err: netErr()},
		{err: netErr()},
	}}

	w, store, _ := testWorker(api)

	err := runScripted(t, api, w)
	if err == nil {
		t.Fatal("Run must give up after the failure ceiling")
	}

	// Ceiling is 3: two spaced retries, then exit on the third failure.
	if len(api.offsets) != 3 {
		t.Errorf("poll attempts = %d, want 3", len(api.offsets))
	}
	if n := len(store.statuses); n == 0 || store.statuses[n-1] != database.StatusError {
		t.Errorf("statuses = %v, want trailing error", store.statuses)
	}
}

func TestWorkerFailureCounterResetsOnSuccess(t *testing.T) {
	t.Parallel()

	netErr := func() error {
		return &telegram.APIError{Kind: telegram.KindNetwork, Method: "getUpdates", Err: errors.New("reset by peer")}
	}
	api := &scriptedAPI{script: []pollResult{
		{err: netErr()},
		{err: netErr()},
		{updates: nil, next: 5},
		{err: netErr()},
		{err: netErr()},
		{updates: nil, next: 5},
	}}

	w, _, _ := testWorker(api)
	w.sleep = func(context.Context, time.Duration) error { return nil }

	if err := runScripted(t, api, w); err != nil {
		t.Fatalf("Run returned %v; interleaved successes must reset the counter", err)
	}
}

func TestWorkerStartupFailsWhenWebhookSticks(t *testing.T) {
	t.Parallel()

	api := &scriptedAPI{
		deleteWebhook: &telegram.APIError{Kind: telegram.KindServer, Method: "deleteWebhook", StatusCode: 500},
	}

	w, store, _ := testWorker(api)

	err := runScripted(t, api, w)
	if err == nil {
		t.Fatal("Run must fail when the stray webhook cannot be cleared")
	}
	if len(api.offsets) != 0 {
		t.Error("polling must not start with a webhook registered")
	}
	if n := len(store.statuses); n == 0 || store.statuses[n-1] != database.StatusError {
		t.Errorf("statuses = %v, want trailing error", store.statuses)
	}
}

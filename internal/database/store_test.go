package database_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/iraniu/adsbot/internal/database"
)

func testStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return database.NewStore(db, logger)
}

func seedBot(t *testing.T, store database.Store) *database.Bot {
	t.Helper()

	bot := &database.Bot{
		Name:          "iranio",
		Token:         "123456:test-token",
		Username:      "iranio_bot",
		Mode:          database.ModePolling,
		IsActive:      true,
		WebhookSecret: "s3cret-path",
	}
	if err := store.CreateBot(context.Background(), bot); err != nil {
		t.Fatalf("failed to create bot: %v", err)
	}
	if bot.ID == 0 {
		t.Fatal("CreateBot did not populate the id")
	}
	return bot
}

func TestBotRegistry(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)

	got, err := store.GetBot(ctx, bot.ID)
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if got.Name != "iranio" || got.Mode != database.ModePolling || !got.IsActive {
		t.Errorf("bot = %+v", got)
	}
	if got.Status != database.StatusOffline {
		t.Errorf("new bot status = %q, want offline", got.Status)
	}

	if _, err := store.GetBot(ctx, 999); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("missing bot err = %v, want ErrNotFound", err)
	}

	bySecret, err := store.GetBotByWebhookSecret(ctx, "s3cret-path")
	if err != nil {
		t.Fatalf("GetBotByWebhookSecret: %v", err)
	}
	if bySecret.ID != bot.ID {
		t.Errorf("bot by secret id = %d, want %d", bySecret.ID, bot.ID)
	}

	if err := store.UpdateBotStatus(ctx, bot.ID, database.StatusError, "token rejected"); err != nil {
		t.Fatalf("UpdateBotStatus: %v", err)
	}
	got, _ = store.GetBot(ctx, bot.ID)
	if got.Status != database.StatusError || got.LastError != "token rejected" {
		t.Errorf("bot = %+v", got)
	}

	if err := store.SetRequestedAction(ctx, bot.ID, database.ActionRestart); err != nil {
		t.Fatalf("SetRequestedAction: %v", err)
	}
	got, _ = store.GetBot(ctx, bot.ID)
	if got.RequestedAction != database.ActionRestart {
		t.Errorf("requested_action = %q", got.RequestedAction)
	}

	if err := store.ClearRequestedAction(ctx, bot.ID); err != nil {
		t.Fatalf("ClearRequestedAction: %v", err)
	}
	got, _ = store.GetBot(ctx, bot.ID)
	if got.RequestedAction != database.ActionNone {
		t.Errorf("requested_action = %q, want cleared", got.RequestedAction)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)

	at := time.Now().UTC().Truncate(time.Second)
	if err := store.UpdateBotHeartbeat(ctx, bot.ID, at); err != nil {
		t.Fatalf("UpdateBotHeartbeat: %v", err)
	}

	got, _ := store.GetBot(ctx, bot.ID)
	if got.Status != database.StatusOnline {
		t.Errorf("status after heartbeat = %q, want online", got.Status)
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(at) {
		t.Errorf("last_heartbeat = %v, want %v", got.LastHeartbeat, at)
	}

	// A fresh heartbeat survives the cutoff.
	n, err := store.MarkStaleBotsOffline(ctx, at.Add(-time.Minute))
	if err != nil {
		t.Fatalf("MarkStaleBotsOffline: %v", err)
	}
	if n != 0 {
		t.Errorf("marked %d bots offline, want 0", n)
	}

	// A cutoff after the heartbeat expires it.
	n, err = store.MarkStaleBotsOffline(ctx, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkStaleBotsOffline: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d bots offline, want 1", n)
	}
	got, _ = store.GetBot(ctx, bot.ID)
	if got.Status != database.StatusOffline {
		t.Errorf("status = %q, want offline", got.Status)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)

	sess, err := store.GetOrCreateSession(ctx, bot.ID, 100)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if sess.State != "START" {
		t.Errorf("new session state = %q, want START", sess.State)
	}

	again, err := store.GetOrCreateSession(ctx, bot.ID, 100)
	if err != nil {
		t.Fatalf("GetOrCreateSession again: %v", err)
	}
	if again.ID != sess.ID {
		t.Errorf("second call created a new row: %d != %d", again.ID, sess.ID)
	}

	now := time.Now().UTC().Truncate(time.Second)
	sess.State = "CONFIRM"
	sess.Language = "fa"
	sess.Context = database.JSONMap{"content": "متن آگهی", "category": "rent"}
	sess.LastUpdateID = 42
	sess.LastMessageID = 7
	sess.LastMessageAt = &now
	sess.MarkStale(3)
	sess.MarkStale(5)
	sess.LastActivity = now

	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	loaded, err := store.GetOrCreateSession(ctx, bot.ID, 100)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.State != "CONFIRM" || loaded.Language != "fa" {
		t.Errorf("session = %+v", loaded)
	}
	if loaded.Context["content"] != "متن آگهی" {
		t.Errorf("context = %v", loaded.Context)
	}
	if loaded.LastUpdateID != 42 || loaded.LastMessageID != 7 {
		t.Errorf("markers = %d/%d", loaded.LastUpdateID, loaded.LastMessageID)
	}
	if !loaded.IsStale(3) || !loaded.IsStale(5) || loaded.IsStale(4) {
		t.Errorf("stale_ids = %v", loaded.StaleIDs)
	}

	// Sessions are scoped per (bot, user).
	other, err := store.GetOrCreateSession(ctx, bot.ID, 200)
	if err != nil {
		t.Fatalf("other user session: %v", err)
	}
	if other.ID == sess.ID || other.State != "START" {
		t.Errorf("other = %+v", other)
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()
	bot := seedBot(t, store)

	sub := &database.Submission{
		BotID:    bot.ID,
		UserID:   100,
		Username: "tester",
		Category: "rent",
		Content:  "Two-room flat, city center.",
		Contact:  database.JSONMap{"phone": "+989123456789", "phone_verified": "true"},
	}
	if err := store.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if sub.ID == 0 {
		t.Fatal("CreateSubmission did not populate the id")
	}

	got, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != database.SubmissionPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.Contact["phone"] != "+989123456789" {
		t.Errorf("contact = %v", got.Contact)
	}

	if err := store.UpdateSubmissionStatus(ctx, sub.ID, database.SubmissionRejected); err != nil {
		t.Fatalf("UpdateSubmissionStatus: %v", err)
	}

	resub := &database.Submission{
		BotID:      bot.ID,
		UserID:     100,
		Category:   "rent",
		Content:    "Two-room flat, corrected.",
		ResubmitOf: &sub.ID,
	}
	if err := store.CreateSubmission(ctx, resub); err != nil {
		t.Fatalf("resubmission: %v", err)
	}
	if err := store.UpdateSubmissionStatus(ctx, sub.ID, database.SubmissionSolved); err != nil {
		t.Fatalf("mark solved: %v", err)
	}

	subs, err := store.ListUserSubmissions(ctx, bot.ID, 100, 10)
	if err != nil {
		t.Fatalf("ListUserSubmissions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}

	// The original is solved, never deleted.
	orig, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("original lookup: %v", err)
	}
	if orig.Status != database.SubmissionSolved {
		t.Errorf("original status = %q, want solved", orig.Status)
	}

	if err := store.UpdateSubmissionStatus(ctx, sub.ID, "bogus"); err == nil {
		t.Error("bogus status must be rejected")
	}
}

func TestSeededCategories(t *testing.T) {
	t.Parallel()

	store := testStore(t)

	cats, err := store.ListActiveCategories(context.Background())
	if err != nil {
		t.Fatalf("ListActiveCategories: %v", err)
	}
	if len(cats) == 0 {
		t.Fatal("expected seeded categories")
	}

	keys := map[string]bool{}
	for _, c := range cats {
		keys[c.Key] = true
		if c.NameEN == "" || c.NameFA == "" {
			t.Errorf("category %s misses a localized name", c.Key)
		}
	}
	for _, want := range []string{"rent", "sale", "other"} {
		if !keys[want] {
			t.Errorf("missing seeded category %q", want)
		}
	}
}

func TestMessageLog(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	bot := seedBot(t, store)

	err := store.LogMessage(context.Background(), bot.ID, 100, database.DirectionIn, "/start")
	if err != nil {
		t.Fatalf("LogMessage: %v", err)
	}
}

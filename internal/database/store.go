package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for database operations. Methods accept
// context.Context for cancellation and timeouts. All mutation goes through
// narrow single-record read-modify-write operations; there are no
// transactions spanning the whole dispatch flow.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// GetBot retrieves a bot by id.
	GetBot(ctx context.Context, id int64) (*Bot, error)

	// GetBotByWebhookSecret retrieves an active bot by its webhook secret
	// path segment.
	GetBotByWebhookSecret(ctx context.Context, secret string) (*Bot, error)

	// ListActiveBots retrieves all active bots, optionally filtered by mode.
	// An empty mode returns every active bot.
	ListActiveBots(ctx context.Context, mode string) ([]Bot, error)

	// CreateBot inserts a new bot record.
	CreateBot(ctx context.Context, bot *Bot) error

	// UpdateBotStatus sets a bot's status and last error message.
	UpdateBotStatus(ctx context.Context, id int64, status, lastError string) error

	// UpdateBotHeartbeat records a worker heartbeat and marks the bot online.
	UpdateBotHeartbeat(ctx context.Context, id int64, at time.Time) error

	// SetRequestedAction records an operator-issued action for the
	// supervisor to apply on its next tick.
	SetRequestedAction(ctx context.Context, id int64, action string) error

	// ClearRequestedAction resets the pending operator action.
	ClearRequestedAction(ctx context.Context, id int64) error

	// UpdateBotWebhook sets a bot's webhook URL and delivery mode.
	UpdateBotWebhook(ctx context.Context, id int64, webhookURL, mode string) error

	// TouchWebhookReceived records the time an update arrived through the
	// webhook ingress.
	TouchWebhookReceived(ctx context.Context, id int64, at time.Time) error

	// MarkStaleBotsOffline flips online bots whose heartbeat is older than
	// cutoff (or missing) to offline. Returns the number of bots affected.
	MarkStaleBotsOffline(ctx context.Context, cutoff time.Time) (int64, error)

	// GetOrCreateSession loads the session for a (bot, user) pair, creating
	// it in the START state on first interaction.
	GetOrCreateSession(ctx context.Context, botID, userID int64) (*Session, error)

	// SaveSession persists the session's mutable fields in one write.
	SaveSession(ctx context.Context, session *Session) error

	// CreateSubmission inserts a new submission record.
	CreateSubmission(ctx context.Context, sub *Submission) error

	// GetSubmission retrieves a submission by id.
	GetSubmission(ctx context.Context, id int64) (*Submission, error)

	// UpdateSubmissionStatus sets a submission's lifecycle status.
	UpdateSubmissionStatus(ctx context.Context, id int64, status string) error

	// ListUserSubmissions retrieves a user's most recent submissions.
	ListUserSubmissions(ctx context.Context, botID, userID int64, limit int) ([]Submission, error)

	// ListActiveCategories retrieves the live category list in display order.
	ListActiveCategories(ctx context.Context) ([]Category, error)

	// LogMessage records one inbound or outbound message, best effort.
	LogMessage(ctx context.Context, botID, userID int64, direction, text string) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) GetBot(ctx context.Context, id int64) (*Bot, error) {
	var bot Bot
	err := s.db.GetContext(ctx, &bot, `SELECT * FROM bots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %d: %w", id, err)
	}
	return &bot, nil
}

func (s *sqlxStore) GetBotByWebhookSecret(ctx context.Context, secret string) (*Bot, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty webhook secret: %w", ErrNotFound)
	}
	var bot Bot
	err := s.db.GetContext(ctx, &bot,
		`SELECT * FROM bots WHERE webhook_secret = ? AND is_active = 1`, secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot by webhook secret: %w", err)
	}
	return &bot, nil
}

func (s *sqlxStore) ListActiveBots(ctx context.Context, mode string) ([]Bot, error) {
	var bots []Bot
	var err error
	if mode == "" {
		err = s.db.SelectContext(ctx, &bots,
			`SELECT * FROM bots WHERE is_active = 1 ORDER BY id`)
	} else {
		err = s.db.SelectContext(ctx, &bots,
			`SELECT * FROM bots WHERE is_active = 1 AND mode = ? ORDER BY id`, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list active bots: %w", err)
	}
	return bots, nil
}

func (s *sqlxStore) CreateBot(ctx context.Context, bot *Bot) error {
	if bot == nil {
		return fmt.Errorf("cannot create nil bot")
	}
	if bot.Name == "" {
		return fmt.Errorf("bot must have a name")
	}
	now := time.Now().UTC()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	if bot.Mode == "" {
		bot.Mode = ModePolling
	}
	if bot.Status == "" {
		bot.Status = StatusOffline
	}

	query := `
        INSERT INTO bots (name, token, username, mode, is_active, webhook_url, webhook_secret,
                          status, last_error, requested_action, created_at, updated_at)
        VALUES (:name, :token, :username, :mode, :is_active, :webhook_url, :webhook_secret,
                :status, :last_error, :requested_action, :created_at, :updated_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, bot)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating bot", "name", bot.Name, "error", err)
		return fmt.Errorf("failed to create bot %q: %w", bot.Name, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		bot.ID = id
	}
	return nil
}

func (s *sqlxStore) UpdateBotStatus(ctx context.Context, id int64, status, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, truncate(lastError, 500), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update status for bot %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) UpdateBotHeartbeat(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET last_heartbeat = ?, status = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), StatusOnline, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat for bot %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) SetRequestedAction(ctx context.Context, id int64, action string) error {
	switch action {
	case ActionStart, ActionStop, ActionRestart, ActionNone:
	default:
		return fmt.Errorf("invalid requested action %q", action)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET requested_action = ?, updated_at = ? WHERE id = ?`,
		action, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set requested action for bot %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) ClearRequestedAction(ctx context.Context, id int64) error {
	return s.SetRequestedAction(ctx, id, ActionNone)
}

func (s *sqlxStore) UpdateBotWebhook(ctx context.Context, id int64, webhookURL, mode string) error {
	if mode != ModePolling && mode != ModeWebhook {
		return fmt.Errorf("invalid bot mode %q", mode)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET webhook_url = ?, mode = ?, updated_at = ? WHERE id = ?`,
		webhookURL, mode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update webhook for bot %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) TouchWebhookReceived(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET last_webhook_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch webhook timestamp for bot %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) MarkStaleBotsOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, updated_at = ?
         WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		StatusOffline, time.Now().UTC(), StatusOnline, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale bots offline: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (s *sqlxStore) GetOrCreateSession(ctx context.Context, botID, userID int64) (*Session, error) {
	if botID == 0 || userID == 0 {
		return nil, fmt.Errorf("session requires non-zero bot_id and user_id")
	}

	now := time.Now().UTC()
	// Insert-if-absent keeps concurrent webhook deliveries from racing on
	// first contact; the subsequent select reads whichever row won.
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sessions (bot_id, user_id, state, context, stale_ids, last_activity, created_at, updated_at)
        VALUES (?, ?, 'START', '{}', '[]', ?, ?, ?)
        ON CONFLICT (bot_id, user_id) DO NOTHING;`,
		botID, userID, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session (bot %d, user %d): %w", botID, userID, err)
	}

	var session Session
	err = s.db.GetContext(ctx, &session,
		`SELECT * FROM sessions WHERE bot_id = ? AND user_id = ?`, botID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session (bot %d, user %d): %w", botID, userID, err)
	}
	return &session, nil
}

func (s *sqlxStore) SaveSession(ctx context.Context, session *Session) error {
	if session == nil {
		return fmt.Errorf("cannot save nil session")
	}
	if session.ID == 0 {
		return fmt.Errorf("cannot save session without id")
	}
	session.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE sessions
        SET state = :state,
            language = :language,
            context = :context,
            last_update_id = :last_update_id,
            last_message_id = :last_message_id,
            last_message_at = :last_message_at,
            stale_ids = :stale_ids,
            last_activity = :last_activity,
            updated_at = :updated_at
        WHERE id = :id;
    `
	result, err := s.db.NamedExecContext(ctx, query, session)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving session",
			"session_id", session.ID, "bot_id", session.BotID, "user_id", session.UserID, "error", err)
		return fmt.Errorf("failed to save session %d: %w", session.ID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected != 1 {
		s.logger.WarnContext(ctx, "Unexpected number of rows affected when saving session",
			"session_id", session.ID, "affected", affected)
	}
	return nil
}

func (s *sqlxStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	if sub == nil {
		return fmt.Errorf("cannot create nil submission")
	}
	if sub.Content == "" {
		return fmt.Errorf("submission must have non-empty content")
	}
	if sub.BotID == 0 || sub.UserID == 0 {
		return fmt.Errorf("submission must have non-zero bot_id and user_id")
	}

	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = SubmissionPending
	}

	query := `
        INSERT INTO submissions (bot_id, user_id, username, category, content, status, contact, resubmit_of, created_at, updated_at)
        VALUES (:bot_id, :user_id, :username, :category, :content, :status, :contact, :resubmit_of, :created_at, :updated_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, sub)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating submission",
			"bot_id", sub.BotID, "user_id", sub.UserID, "error", err)
		return fmt.Errorf("failed to create submission (bot %d, user %d): %w", sub.BotID, sub.UserID, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		sub.ID = id
	}
	return nil
}

func (s *sqlxStore) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	var sub Submission
	err := s.db.GetContext(ctx, &sub, `SELECT * FROM submissions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission %d: %w", id, err)
	}
	return &sub, nil
}

func (s *sqlxStore) UpdateSubmissionStatus(ctx context.Context, id int64, status string) error {
	switch status {
	case SubmissionPending, SubmissionApproved, SubmissionRejected, SubmissionSolved:
	default:
		return fmt.Errorf("invalid submission status %q", status)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update status for submission %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) ListUserSubmissions(ctx context.Context, botID, userID int64, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 10
	}
	var subs []Submission
	err := s.db.SelectContext(ctx, &subs,
		`SELECT * FROM submissions WHERE bot_id = ? AND user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		botID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions (bot %d, user %d): %w", botID, userID, err)
	}
	return subs, nil
}

func (s *sqlxStore) ListActiveCategories(ctx context.Context) ([]Category, error) {
	var cats []Category
	err := s.db.SelectContext(ctx, &cats,
		`SELECT * FROM categories WHERE is_active = 1 ORDER BY sort_order, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return cats, nil
}

func (s *sqlxStore) LogMessage(ctx context.Context, botID, userID int64, direction, text string) error {
	if direction != "in" && direction != "out" {
		return fmt.Errorf("invalid message log direction %q", direction)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log (bot_id, user_id, direction, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		botID, userID, direction, truncate(text, 4096), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log message (bot %d, user %d): %w", botID, userID, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

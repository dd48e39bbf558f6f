package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Bot operating modes. A bot is either long-polled by a worker or receives
// updates through the webhook ingress, never both.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Bot statuses as surfaced to operators.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

// Operator-requested actions, applied by the supervisor on its next tick.
const (
	ActionNone    = ""
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

// Message log directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Submission lifecycle statuses.
const (
	SubmissionPending  = "pending"
	SubmissionApproved = "approved"
	SubmissionRejected = "rejected"
	SubmissionSolved   = "solved"
)

// Bot is one configured Telegram bot. The token is an opaque secret and
// must never appear in logs.
type Bot struct {
	ID              int64      `db:"id"`
	Name            string     `db:"name"`
	Token           string     `db:"token"`
	Username        string     `db:"username"`
	Mode            string     `db:"mode"`
	IsActive        bool       `db:"is_active"`
	WebhookURL      string     `db:"webhook_url"`
	WebhookSecret   string     `db:"webhook_secret"`
	Status          string     `db:"status"`
	LastError       string     `db:"last_error"`
	RequestedAction string     `db:"requested_action"`
	LastHeartbeat   *time.Time `db:"last_heartbeat"`
	LastWebhookAt   *time.Time `db:"last_webhook_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Session holds per-(bot, user) conversation state. One row per pair,
// created on first interaction and never deleted automatically.
type Session struct {
	ID            int64      `db:"id"`
	BotID         int64      `db:"bot_id"`
	UserID        int64      `db:"user_id"`
	State         string     `db:"state"`
	Language      string     `db:"language"`
	Context       JSONMap    `db:"context"`
	LastUpdateID  int64      `db:"last_update_id"`
	LastMessageID int64      `db:"last_message_id"`
	LastMessageAt *time.Time `db:"last_message_at"`
	StaleIDs      Int64List  `db:"stale_ids"`
	LastActivity  time.Time  `db:"last_activity"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// maxStaleIDs bounds the session's stale message list to the most recent
// entries.
const maxStaleIDs = 20

// MarkStale records a message id that can no longer be edited, keeping the
// list bounded to the most recent entries.
func (s *Session) MarkStale(messageID int64) {
	for _, id := range s.StaleIDs {
		if id == messageID {
			return
		}
	}
	s.StaleIDs = append(s.StaleIDs, messageID)
	if len(s.StaleIDs) > maxStaleIDs {
		s.StaleIDs = s.StaleIDs[len(s.StaleIDs)-maxStaleIDs:]
	}
}

// IsStale reports whether a message id was previously marked uneditable.
func (s *Session) IsStale(messageID int64) bool {
	for _, id := range s.StaleIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// Submission is one ad submission created from a finished conversation.
type Submission struct {
	ID         int64     `db:"id"`
	BotID      int64     `db:"bot_id"`
	UserID     int64     `db:"user_id"`
	Username   string    `db:"username"`
	Category   string    `db:"category"`
	Content    string    `db:"content"`
	Status     string    `db:"status"`
	Contact    JSONMap   `db:"contact"`
	ResubmitOf *int64    `db:"resubmit_of"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Category is one entry of the live category list shown to users.
type Category struct {
	ID        int64  `db:"id"`
	Key       string `db:"key"`
	NameEN    string `db:"name_en"`
	NameFA    string `db:"name_fa"`
	IsActive  bool   `db:"is_active"`
	SortOrder int    `db:"sort_order"`
}

// MessageLog is a best-effort audit row for one inbound or outbound message.
type MessageLog struct {
	ID        int64     `db:"id"`
	BotID     int64     `db:"bot_id"`
	UserID    int64     `db:"user_id"`
	Direction string    `db:"direction"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}

// JSONMap stores a free-form JSON object in a TEXT column.
type JSONMap map[string]string

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	b, err := scanBytes(src)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Int64List stores an ordered list of int64 in a TEXT column as JSON.
type Int64List []int64

// Value implements driver.Valuer.
func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal int64 list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *Int64List) Scan(src any) error {
	b, err := scanBytes(src)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}

func scanBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported scan type %T", src)
	}
}

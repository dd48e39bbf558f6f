// Package conversation implements the per-user conversation state machine.
// Given the current session and one parsed update event it mutates the
// session and produces a response descriptor. It performs no network I/O;
// sending is the dispatcher's job.
package conversation

import (
	"context"

	"github.com/go-telegram/bot/models"

	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/submission"
)

// Conversation states. Stored as-is in the session row.
const (
	StateStart           = "START"
	StateSelectLanguage  = "SELECT_LANGUAGE"
	StateMainMenu        = "MAIN_MENU"
	StateSelectCategory  = "SELECT_CATEGORY"
	StateEnterContent    = "ENTER_CONTENT"
	StateConfirm         = "CONFIRM"
	StateAskContact      = "ASK_CONTACT"
	StateEnterEmail      = "ENTER_EMAIL"
	StateMyAds           = "MY_ADS"
	StateResubmitEdit    = "RESUBMIT_EDIT"
	StateResubmitConfirm = "RESUBMIT_CONFIRM"
	StateSubmitted       = "SUBMITTED"
)

// Callback payloads attached to inline keyboard buttons.
const (
	cbLangEN       = "lang_en"
	cbLangFA       = "lang_fa"
	cbCreateAd     = "create_ad"
	cbMyAds        = "my_ads"
	cbAddContact   = "add_contact"
	cbBack         = "back"
	cbConfirmYes   = "confirm_yes"
	cbConfirmNo    = "confirm_no"
	cbConfirmBack  = "confirm_back"
	cbConfirmEdit  = "confirm_edit"
	cbContactEmail = "contact_email"
	cbContactSkip  = "contact_skip"
	cbCategory     = "cat_"
)

// Session context keys. The context blob carries the in-progress draft and
// the user's saved contact info.
const (
	ctxContent       = "content"
	ctxCategory      = "category"
	ctxResubmitOf    = "resubmit_of"
	ctxPhone         = "phone"
	ctxPhoneVerified = "phone_verified"
	ctxEmail         = "email"
)

// Event is one parsed inbound update. Ephemeral, never persisted.
type Event struct {
	UpdateID        int64
	ChatID          int64
	UserID          int64
	Username        string
	Text            string
	CallbackData    string
	CallbackQueryID string
	MessageID       int64
	ContactPhone    string
	ContactUserID   int64
	HasAnimation    bool
	HasSticker      bool
}

// IsCallback reports whether the event came from an inline keyboard tap.
func (ev Event) IsCallback() bool {
	return ev.CallbackQueryID != ""
}

// Response describes the single outbound reply for one processed update.
type Response struct {
	Text     string
	Keyboard models.ReplyMarkup

	// EditPrevious asks the dispatcher to edit TargetMessageID in place
	// instead of sending a new message.
	EditPrevious    bool
	TargetMessageID int64

	// RemoveKeyboardFirst removes a previously shown reply keyboard. Only
	// set together with a nil Keyboard.
	RemoveKeyboardFirst bool

	// AnswerText is an optional toast shown when acknowledging a callback.
	AnswerText string
}

// Submitter is the injected submission collaborator.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (int64, error)
	MarkSolved(ctx context.Context, id int64) error
	Lookup(ctx context.Context, id int64) (*database.Submission, error)
	ListByUser(ctx context.Context, botID, userID int64, limit int) ([]database.Submission, error)
}

// CategoryProvider serves the live category list.
type CategoryProvider interface {
	ListActive(ctx context.Context) ([]database.Category, error)
}

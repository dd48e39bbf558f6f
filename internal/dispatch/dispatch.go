// Package dispatch takes raw inbound updates, deduplicates them, runs the
// conversation engine and delivers the reply. It sits between the delivery
// paths (long-poll workers, webhook handler) and the conversation engine.
package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/iraniu/adsbot/internal/conversation"
	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/lock"
	"github.com/iraniu/adsbot/internal/telegram"
)

const (
	// lockTTL covers processing plus the upstream redelivery window.
	lockTTL = 120 * time.Second

	// editWindow is the upstream limit on how old a message can be and
	// still be edited.
	editWindow = 48 * time.Hour
)

// Dispatcher processes one update end to end. All failures are swallowed
// and logged; the delivery protocol needs a fast, always-successful
// acknowledgment to avoid redelivery storms.
type Dispatcher struct {
	api    telegram.API
	store  database.Store
	locks  lock.Store
	engine *conversation.Engine
	logger *slog.Logger
}

// New creates a dispatcher.
func New(api telegram.API, store database.Store, locks lock.Store, engine *conversation.Engine, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:    api,
		store:  store,
		locks:  locks,
		engine: engine,
		logger: logger.With("component", "dispatch"),
	}
}

// lockKey namespaces the dedup lock per bot: update ids from different
// bots are unrelated sequences.
func lockKey(botID, updateID int64) string {
	return "tg:update:" + strconv.FormatInt(botID, 10) + ":" + strconv.FormatInt(updateID, 10)
}

// Process handles one update. It never returns an error and never panics.
func (d *Dispatcher) Process(ctx context.Context, bot *database.Bot, upd *models.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during dispatch",
				"bot_id", bot.ID,
				"update_id", upd.ID,
				"panic", r)
		}
	}()

	ev, ok := ParseEvent(upd)
	if !ok {
		return
	}

	acquired, err := d.locks.Acquire(ctx, lockKey(bot.ID, ev.UpdateID), lockTTL)
	if err != nil {
		// The session's last-processed marker still guards duplicates,
		// so a lock store outage degrades rather than halts.
		d.logger.Warn("lock store unavailable, proceeding without lock",
			"bot_id", bot.ID,
			"update_id", ev.UpdateID,
			"error", err)
	} else if !acquired {
		d.logger.Debug("duplicate delivery dropped by lock",
			"bot_id", bot.ID,
			"update_id", ev.UpdateID)
		return
	}

	sess, err := d.store.GetOrCreateSession(ctx, bot.ID, ev.UserID)
	if err != nil {
		d.logger.Error("failed to load session",
			"bot_id", bot.ID,
			"user_id", ev.UserID,
			"error", err)
		return
	}

	if ev.UpdateID <= sess.LastUpdateID {
		d.logger.Debug("stale update dropped",
			"bot_id", bot.ID,
			"update_id", ev.UpdateID,
			"last_update_id", sess.LastUpdateID)
		return
	}

	d.logInbound(ctx, bot, ev)

	resp := d.engine.Handle(ctx, sess, ev)

	sentID := d.deliver(ctx, bot, sess, ev, resp)

	// Callbacks are acknowledged no matter how delivery went, so the
	// client's loading indicator always clears.
	if ev.CallbackQueryID != "" {
		if err := d.api.AnswerCallbackQuery(ctx, bot.Token, ev.CallbackQueryID, resp.AnswerText); err != nil {
			d.logger.Warn("failed to answer callback query",
				"bot_id", bot.ID,
				"error", err)
		}
	}

	now := time.Now().UTC()
	sess.LastUpdateID = ev.UpdateID
	sess.LastActivity = now
	if sentID != 0 {
		sess.LastMessageID = sentID
		sess.LastMessageAt = &now
	}

	if err := d.store.SaveSession(ctx, sess); err != nil {
		d.logger.Error("failed to save session",
			"bot_id", bot.ID,
			"user_id", ev.UserID,
			"error", err)
		return
	}

	if err := d.store.LogMessage(ctx, bot.ID, ev.UserID, database.DirectionOut, resp.Text); err != nil {
		d.logger.Debug("failed to log outbound message", "error", err)
	}
}

// deliver sends the response, editing in place when asked and falling back
// to a fresh message when the target can no longer be edited. It returns
// the id of the message now carrying the reply, or 0 when nothing went out.
func (d *Dispatcher) deliver(ctx context.Context, bot *database.Bot, sess *database.Session, ev conversation.Event, resp conversation.Response) int64 {
	markup := resp.Keyboard
	if markup == nil && resp.RemoveKeyboardFirst {
		markup = &models.ReplyKeyboardRemove{RemoveKeyboard: true}
	}

	if resp.EditPrevious && resp.TargetMessageID != 0 {
		if d.canEdit(sess, resp.TargetMessageID) {
			err := d.api.EditMessageText(ctx, bot.Token, ev.ChatID, resp.TargetMessageID, resp.Text, editMarkup(resp.Keyboard))
			if err == nil {
				return resp.TargetMessageID
			}
			sess.MarkStale(resp.TargetMessageID)
			d.logger.Debug("edit failed, falling back to send",
				"bot_id", bot.ID,
				"message_id", resp.TargetMessageID,
				"error", err)
		}
	}

	id, err := d.api.SendMessage(ctx, bot.Token, ev.ChatID, resp.Text, markup)
	if err != nil {
		d.logger.Error("failed to send reply",
			"bot_id", bot.ID,
			"chat_id", ev.ChatID,
			"error", err)
		return 0
	}
	return id
}

// canEdit applies the stale-message guard: known-stale targets and targets
// past the upstream edit window are not worth an attempt.
func (d *Dispatcher) canEdit(sess *database.Session, messageID int64) bool {
	if sess.IsStale(messageID) {
		return false
	}
	if messageID == sess.LastMessageID && sess.LastMessageAt != nil &&
		time.Since(*sess.LastMessageAt) > editWindow {
		return false
	}
	return true
}

// editMarkup keeps only inline keyboards on edits; reply keyboards cannot
// be attached to an edited message.
func editMarkup(markup models.ReplyMarkup) models.ReplyMarkup {
	if _, ok := markup.(*models.InlineKeyboardMarkup); ok {
		return markup
	}
	return nil
}

func (d *Dispatcher) logInbound(ctx context.Context, bot *database.Bot, ev conversation.Event) {
	text := ev.Text
	if text == "" && ev.CallbackData != "" {
		text = "[callback] " + ev.CallbackData
	}
	if text == "" && ev.ContactPhone != "" {
		text = "[contact]"
	}
	if err := d.store.LogMessage(ctx, bot.ID, ev.UserID, database.DirectionIn, text); err != nil {
		d.logger.Debug("failed to log inbound message", "error", err)
	}
}

// ParseEvent extracts the fields the conversation engine works with from a
// raw update. It returns false when there is no acting user to reply to.
func ParseEvent(upd *models.Update) (conversation.Event, bool) {
	if upd == nil {
		return conversation.Event{}, false
	}

	if cq := upd.CallbackQuery; cq != nil {
		ev := conversation.Event{
			UpdateID:        upd.ID,
			UserID:          cq.From.ID,
			Username:        cq.From.Username,
			CallbackData:    cq.Data,
			CallbackQueryID: cq.ID,
		}
		switch {
		case cq.Message.Message != nil:
			ev.ChatID = cq.Message.Message.Chat.ID
			ev.MessageID = int64(cq.Message.Message.ID)
		case cq.Message.InaccessibleMessage != nil:
			ev.ChatID = cq.Message.InaccessibleMessage.Chat.ID
			ev.MessageID = int64(cq.Message.InaccessibleMessage.MessageID)
		default:
			// No chat to reply into.
			return conversation.Event{}, false
		}
		return ev, true
	}

	msg := upd.Message
	if msg == nil {
		msg = upd.EditedMessage
	}
	if msg == nil || msg.From == nil {
		return conversation.Event{}, false
	}

	ev := conversation.Event{
		UpdateID:     upd.ID,
		ChatID:       msg.Chat.ID,
		UserID:       msg.From.ID,
		Username:     msg.From.Username,
		Text:         strings.TrimSpace(msg.Text),
		MessageID:    int64(msg.ID),
		HasAnimation: msg.Animation != nil,
		HasSticker:   msg.Sticker != nil,
	}
	if msg.Contact != nil {
		ev.ContactPhone = msg.Contact.PhoneNumber
		ev.ContactUserID = msg.Contact.UserID
	}
	return ev, true
}

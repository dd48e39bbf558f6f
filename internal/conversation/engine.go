package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/sanitize"
	"github.com/iraniu/adsbot/internal/submission"
)

const (
	resubmitPrefix = "resubmit_"
	myAdsLimit     = 10
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Engine drives the conversation state machine. It mutates the session it
// is given and returns the reply descriptor; persistence and delivery are
// the caller's responsibility.
type Engine struct {
	subs   Submitter
	cats   CategoryProvider
	logger *slog.Logger
}

// NewEngine creates a conversation engine.
func NewEngine(subs Submitter, cats CategoryProvider, logger *slog.Logger) *Engine {
	return &Engine{
		subs:   subs,
		cats:   cats,
		logger: logger.With("component", "conversation"),
	}
}

// Handle processes one event against the session. It is total: every
// (state, event) combination produces a response, and unrecognized
// combinations land on the main menu.
func (e *Engine) Handle(ctx context.Context, sess *database.Session, ev Event) Response {
	if sess.Context == nil {
		sess.Context = database.JSONMap{}
	}

	if payload, ok := parseStartCommand(ev.Text); ok {
		return e.handleStart(ctx, sess, ev, payload)
	}

	switch sess.State {
	case StateStart, "":
		return e.toLanguageSelect(sess)
	case StateSelectLanguage:
		return e.handleSelectLanguage(sess, ev)
	case StateMainMenu, StateSubmitted:
		return e.handleMainMenu(ctx, sess, ev)
	case StateMyAds:
		return e.handleMyAds(sess, ev)
	case StateSelectCategory:
		return e.handleSelectCategory(ctx, sess, ev)
	case StateEnterContent:
		return e.handleEnterContent(sess, ev, StateConfirm)
	case StateConfirm:
		return e.handleConfirm(ctx, sess, ev)
	case StateAskContact:
		return e.handleAskContact(ctx, sess, ev)
	case StateEnterEmail:
		return e.handleEnterEmail(ctx, sess, ev)
	case StateResubmitEdit:
		return e.handleEnterContent(sess, ev, StateResubmitConfirm)
	case StateResubmitConfirm:
		return e.handleResubmitConfirm(ctx, sess, ev)
	default:
		e.logger.Warn("unknown session state, resetting to menu",
			"bot_id", sess.BotID,
			"user_id", sess.UserID,
			"state", sess.State)
		return e.toMainMenu(sess, "")
	}
}

// parseStartCommand recognizes "/start" and "/start <payload>", including
// the "/start@BotName" form.
func parseStartCommand(text string) (payload string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/start") {
		return "", false
	}
	cmd, payload, _ := strings.Cut(text, " ")
	if base, _, found := strings.Cut(cmd, "@"); found {
		cmd = base
	}
	if cmd != "/start" {
		return "", false
	}
	return strings.TrimSpace(payload), true
}

func (e *Engine) handleStart(ctx context.Context, sess *database.Session, ev Event, payload string) Response {
	if id, ok := parseResubmitPayload(payload); ok {
		return e.startResubmit(ctx, sess, ev, id)
	}

	sess.Context = database.JSONMap{}
	return e.toLanguageSelect(sess)
}

func parseResubmitPayload(payload string) (int64, bool) {
	if !strings.HasPrefix(payload, resubmitPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(payload, resubmitPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// startResubmit validates the deep-link target: it must exist, be in
// rejected status and belong to the requesting user.
func (e *Engine) startResubmit(ctx context.Context, sess *database.Session, ev Event, id int64) Response {
	sub, err := e.subs.Lookup(ctx, id)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			e.logger.Error("resubmission lookup failed", "error", err, "submission_id", id)
		}
		return e.toMainMenu(sess, Msg("resubmit_invalid", sess.Language))
	}
	if sub.Status != database.SubmissionRejected || sub.UserID != ev.UserID {
		return e.toMainMenu(sess, Msg("resubmit_invalid", sess.Language))
	}

	sess.State = StateResubmitEdit
	sess.Context[ctxResubmitOf] = strconv.FormatInt(id, 10)
	sess.Context[ctxCategory] = sub.Category
	delete(sess.Context, ctxContent)

	return Response{
		Text: fmt.Sprintf(Msg("resubmit_prompt", sess.Language), sub.Content),
	}
}

func (e *Engine) toLanguageSelect(sess *database.Session) Response {
	sess.State = StateSelectLanguage
	return Response{
		Text:     Msg("start", sess.Language),
		Keyboard: languageKeyboard(),
	}
}

func (e *Engine) handleSelectLanguage(sess *database.Session, ev Event) Response {
	var lang string
	switch {
	case ev.CallbackData == cbLangEN || strings.EqualFold(ev.Text, "en"):
		lang = LangEN
	case ev.CallbackData == cbLangFA || strings.EqualFold(ev.Text, "fa"):
		lang = LangFA
	default:
		return Response{
			Text:     Msg("select_language", sess.Language),
			Keyboard: languageKeyboard(),
		}
	}

	sess.Language = lang
	resp := e.toMainMenu(sess, "")
	return editInPlace(resp, ev)
}

// toMainMenu moves the session to MAIN_MENU. A non-empty prefix line is
// prepended to the menu text, used for localized error notices.
func (e *Engine) toMainMenu(sess *database.Session, prefix string) Response {
	sess.State = StateMainMenu
	text := Msg("main_menu", sess.Language)
	if prefix != "" {
		text = prefix + "\n\n" + text
	}
	return Response{
		Text:     text,
		Keyboard: menuKeyboard(sess.Language),
	}
}

func (e *Engine) handleMainMenu(ctx context.Context, sess *database.Session, ev Event) Response {
	switch ev.CallbackData {
	case cbCreateAd:
		return editInPlace(e.toCategorySelect(ctx, sess), ev)
	case cbMyAds:
		return editInPlace(e.toMyAds(ctx, sess), ev)
	case cbAddContact:
		sess.State = StateAskContact
		return Response{
			Text:     Msg("add_contact_ask", sess.Language),
			Keyboard: contactKeyboard(sess.Language),
		}
	default:
		return e.toMainMenu(sess, "")
	}
}

func (e *Engine) toCategorySelect(ctx context.Context, sess *database.Session) Response {
	cats, err := e.cats.ListActive(ctx)
	if err != nil {
		e.logger.Error("failed to list categories", "error", err)
		return e.toMainMenu(sess, Msg("submit_failed", sess.Language))
	}

	sess.State = StateSelectCategory
	return Response{
		Text:     Msg("choose_category", sess.Language),
		Keyboard: categoryKeyboard(cats, sess.Language),
	}
}

func (e *Engine) handleSelectCategory(ctx context.Context, sess *database.Session, ev Event) Response {
	cats, err := e.cats.ListActive(ctx)
	if err != nil {
		e.logger.Error("failed to list categories", "error", err)
		return e.toMainMenu(sess, Msg("submit_failed", sess.Language))
	}

	key := strings.TrimPrefix(ev.CallbackData, cbCategory)
	if key == ev.CallbackData {
		key = strings.TrimSpace(ev.Text)
	}

	for _, c := range cats {
		if c.Key == key {
			sess.State = StateEnterContent
			sess.Context[ctxCategory] = c.Key
			resp := Response{Text: Msg("enter_ad_text", sess.Language)}
			return editInPlace(resp, ev)
		}
	}

	// Invalid input re-prompts without consuming state.
	return Response{
		Text:       Msg("invalid_category", sess.Language),
		Keyboard:   categoryKeyboard(cats, sess.Language),
		AnswerText: Msg("invalid_category", sess.Language),
	}
}

// handleEnterContent is shared by the first-submission and resubmission
// paths; next names the confirm state to advance to.
func (e *Engine) handleEnterContent(sess *database.Session, ev Event, next string) Response {
	if ev.HasAnimation || ev.HasSticker || strings.TrimSpace(ev.Text) == "" {
		return Response{Text: Msg("invalid_content", sess.Language)}
	}

	content, err := sanitize.CleanAdText(ev.Text)
	if err != nil {
		return Response{Text: Msg("invalid_content", sess.Language)}
	}

	sess.State = next
	sess.Context[ctxContent] = content

	text := content + "\n\n" + Msg("confirm_submission", sess.Language)
	if next == StateResubmitConfirm {
		return Response{Text: text, Keyboard: resubmitConfirmKeyboard(sess.Language)}
	}
	return Response{Text: text, Keyboard: confirmKeyboard(sess.Language)}
}

func (e *Engine) handleConfirm(ctx context.Context, sess *database.Session, ev Event) Response {
	switch ev.CallbackData {
	case cbConfirmYes:
		sess.State = StateAskContact
		return Response{
			Text:     Msg("add_contact_ask", sess.Language),
			Keyboard: contactKeyboard(sess.Language),
		}
	case cbConfirmNo:
		e.discardDraft(sess)
		return editInPlace(e.toMainMenu(sess, ""), ev)
	case cbConfirmBack:
		// Back to category selection, draft content preserved.
		return editInPlace(e.toCategorySelect(ctx, sess), ev)
	case cbConfirmEdit:
		sess.State = StateEnterContent
		resp := Response{Text: Msg("enter_ad_text", sess.Language)}
		return editInPlace(resp, ev)
	default:
		return Response{
			Text:     sess.Context[ctxContent] + "\n\n" + Msg("confirm_submission", sess.Language),
			Keyboard: confirmKeyboard(sess.Language),
		}
	}
}

func (e *Engine) handleAskContact(ctx context.Context, sess *database.Session, ev Event) Response {
	switch {
	case ev.ContactPhone != "":
		// The shared contact must be the sender's own account.
		if ev.ContactUserID != sess.UserID {
			return Response{
				Text:     Msg("contact_unverified", sess.Language),
				Keyboard: contactKeyboard(sess.Language),
			}
		}
		sess.Context[ctxPhone] = ev.ContactPhone
		sess.Context[ctxPhoneVerified] = "true"
		return e.finishContact(ctx, sess, ev)

	case ev.CallbackData == cbContactEmail || isLabel(ev.Text, "contact_email"):
		sess.State = StateEnterEmail
		return Response{
			Text:                Msg("enter_email", sess.Language),
			RemoveKeyboardFirst: true,
		}

	case ev.CallbackData == cbContactSkip || isLabel(ev.Text, "add_contact_skip"):
		return e.finishContact(ctx, sess, ev)

	default:
		return Response{
			Text:     Msg("add_contact_ask", sess.Language),
			Keyboard: contactKeyboard(sess.Language),
		}
	}
}

func (e *Engine) handleEnterEmail(ctx context.Context, sess *database.Session, ev Event) Response {
	email := strings.TrimSpace(ev.Text)
	if !emailRegex.MatchString(email) {
		return Response{Text: Msg("invalid_email", sess.Language)}
	}

	sess.Context[ctxEmail] = email
	return e.finishContact(ctx, sess, ev)
}

// finishContact either submits the pending draft or, when the contact flow
// was entered from the main menu without a draft, just saves the contact
// info on the session.
func (e *Engine) finishContact(ctx context.Context, sess *database.Session, ev Event) Response {
	if sess.Context[ctxContent] == "" {
		sess.State = StateMainMenu
		return Response{
			Text:                Msg("contact_saved", sess.Language) + "\n\n" + Msg("main_menu", sess.Language),
			RemoveKeyboardFirst: true,
		}
	}
	return e.submit(ctx, sess, ev)
}

func (e *Engine) handleResubmitConfirm(ctx context.Context, sess *database.Session, ev Event) Response {
	switch ev.CallbackData {
	case cbConfirmYes:
		return editInPlace(e.submit(ctx, sess, ev), ev)
	case cbConfirmNo:
		e.discardDraft(sess)
		return editInPlace(e.toMainMenu(sess, ""), ev)
	default:
		return Response{
			Text:     sess.Context[ctxContent] + "\n\n" + Msg("confirm_submission", sess.Language),
			Keyboard: resubmitConfirmKeyboard(sess.Language),
		}
	}
}

// submit hands the draft to the submission collaborator. On failure the
// session stays where it is and the user gets a generic error.
func (e *Engine) submit(ctx context.Context, sess *database.Session, ev Event) Response {
	var resubmitOf *int64
	if raw := sess.Context[ctxResubmitOf]; raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			resubmitOf = &id
		}
	}

	req := submission.Request{
		BotID:      sess.BotID,
		UserID:     sess.UserID,
		Username:   ev.Username,
		Category:   sess.Context[ctxCategory],
		Content:    sess.Context[ctxContent],
		Contact:    contactSnapshot(sess),
		ResubmitOf: resubmitOf,
	}

	if _, err := e.subs.Submit(ctx, req); err != nil {
		e.logger.Error("submission failed",
			"error", err,
			"bot_id", sess.BotID,
			"user_id", sess.UserID)
		return Response{Text: Msg("submit_failed", sess.Language)}
	}

	key := "submitted"
	if resubmitOf != nil {
		key = "resubmitted"
		if err := e.subs.MarkSolved(ctx, *resubmitOf); err != nil {
			e.logger.Error("failed to close original submission",
				"error", err,
				"submission_id", *resubmitOf)
		}
	}

	e.discardDraft(sess)
	sess.State = StateSubmitted

	return Response{
		Text:                Msg(key, sess.Language),
		RemoveKeyboardFirst: true,
	}
}

func contactSnapshot(sess *database.Session) map[string]string {
	snap := map[string]string{}
	for _, k := range []string{ctxPhone, ctxPhoneVerified, ctxEmail} {
		if v := sess.Context[k]; v != "" {
			snap[k] = v
		}
	}
	if len(snap) == 0 {
		return nil
	}
	return snap
}

func (e *Engine) discardDraft(sess *database.Session) {
	delete(sess.Context, ctxContent)
	delete(sess.Context, ctxCategory)
	delete(sess.Context, ctxResubmitOf)
}

func (e *Engine) toMyAds(ctx context.Context, sess *database.Session) Response {
	subs, err := e.subs.ListByUser(ctx, sess.BotID, sess.UserID, myAdsLimit)
	if err != nil {
		e.logger.Error("failed to list submissions", "error", err, "user_id", sess.UserID)
		return e.toMainMenu(sess, Msg("submit_failed", sess.Language))
	}

	sess.State = StateMyAds

	var b strings.Builder
	if len(subs) == 0 {
		b.WriteString(Msg("my_ads_empty", sess.Language))
	} else {
		b.WriteString(Msg("my_ads", sess.Language))
		for _, s := range subs {
			b.WriteString(fmt.Sprintf("\n\n#%d [%s]\n%s",
				s.ID, statusLabel(s.Status, sess.Language), excerpt(s.Content, 80)))
		}
	}

	return Response{
		Text: b.String(),
		Keyboard: &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: Msg("back", sess.Language), CallbackData: cbBack}},
			},
		},
	}
}

func (e *Engine) handleMyAds(sess *database.Session, ev Event) Response {
	if ev.CallbackData == cbBack {
		return editInPlace(e.toMainMenu(sess, ""), ev)
	}
	return e.toMainMenu(sess, "")
}

func statusLabel(status, lang string) string {
	return Msg("status_"+status, lang)
}

func excerpt(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}

// isLabel matches free text against a registry key in either language, so
// reply-keyboard button presses work regardless of the session language.
func isLabel(text, key string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	return text == Msg(key, LangEN) || text == Msg(key, LangFA)
}

// editInPlace converts a response into an in-place edit of the message the
// callback came from.
func editInPlace(resp Response, ev Event) Response {
	if ev.IsCallback() && ev.MessageID != 0 {
		resp.EditPrevious = true
		resp.TargetMessageID = ev.MessageID
	}
	return resp
}

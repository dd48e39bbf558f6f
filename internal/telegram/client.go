// Package telegram implements the outbound Bot API client: message
// sending and editing, callback answering, long polling, and webhook
// management, with retry, exponential backoff, and typed error
// classification. Wire types come from github.com/go-telegram/bot/models.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-telegram/bot/models"
)

// Default retry configuration: up to maxAttempts tries with exponential
// backoff starting at baseBackoff and doubling each attempt.
const (
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond

	connectTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second

	minPollTimeout = 1 * time.Second
	maxPollTimeout = 50 * time.Second
	minPollLimit   = 1
	maxPollLimit   = 100
)

// API is the Bot API surface consumed by the dispatcher, workers, and
// supervisor. The bot token is passed per call because one client serves
// every configured bot.
type API interface {
	// GetMe validates a token and returns the bot's own account info.
	GetMe(ctx context.Context, token string) (*models.User, error)

	// GetUpdates long-polls for updates. It clamps timeout to 1-50s and
	// limit to 1-100, and returns the next offset to request so the caller
	// advances monotonically.
	GetUpdates(ctx context.Context, token string, offset int64, timeout time.Duration, limit int) ([]models.Update, int64, error)

	// SendMessage sends a text message and returns the sent message id.
	SendMessage(ctx context.Context, token string, chatID int64, text string, markup models.ReplyMarkup) (int64, error)

	// EditMessageText edits a previously sent message in place.
	EditMessageText(ctx context.Context, token string, chatID int64, messageID int64, text string, markup models.ReplyMarkup) error

	// AnswerCallbackQuery acknowledges a callback interaction, clearing
	// the client-side loading indicator.
	AnswerCallbackQuery(ctx context.Context, token, callbackQueryID, text string) error

	// SetWebhook registers a webhook URL with an optional secret token.
	SetWebhook(ctx context.Context, token, url, secretToken string) error

	// DeleteWebhook removes any registered webhook. Required before a
	// polling loop may start.
	DeleteWebhook(ctx context.Context, token string, dropPendingUpdates bool) error

	// GetWebhookInfo returns the current webhook registration state.
	GetWebhookInfo(ctx context.Context, token string) (*models.WebhookInfo, error)
}

// Client is the HTTP implementation of API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a Bot API client. baseURL is normally
// https://api.telegram.org; tests point it at a local server.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: requestTimeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		baseURL: baseURL,
		logger:  logger.With("component", "telegram_client"),
	}
}

// maskToken hides a bot token for logging. Shows first 4 and last 4 chars.
func maskToken(token string) string {
	if len(token) < 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// apiResponse is the Bot API envelope common to every method.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call performs one Bot API method call with retry and backoff. The
// result, when non-nil, receives the decoded "result" field. callTimeout
// overrides the default per-attempt timeout when positive (long polls
// need more than the default).
func (c *Client) call(ctx context.Context, token, method string, payload any, result any, callTimeout time.Duration) error {
	if token == "" {
		return &APIError{Kind: KindAuth, Method: method, Description: "no token provided"}
	}
	if callTimeout <= 0 {
		callTimeout = requestTimeout
	}

	var lastErr *APIError
	backoff := baseBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		apiErr := c.doRequest(ctx, token, method, payload, result, callTimeout)
		if apiErr == nil {
			return nil
		}
		lastErr = apiErr

		if !apiErr.Retryable() {
			c.logger.WarnContext(ctx, "Bot API call failed, not retrying",
				"method", method, "kind", apiErr.Kind.String(), "token", maskToken(token))
			return apiErr
		}
		if attempt == maxAttempts {
			break
		}

		c.logger.DebugContext(ctx, "Bot API call failed, retrying",
			"method", method,
			"kind", apiErr.Kind.String(),
			"attempt", attempt,
			"backoff", backoff,
			"token", maskToken(token))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &APIError{Kind: KindTimeout, Method: method, Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
	}

	c.logger.WarnContext(ctx, "Bot API call failed after retries",
		"method", method, "kind", lastErr.Kind.String(), "attempts", maxAttempts, "token", maskToken(token))
	return lastErr
}

// doRequest performs a single HTTP POST to the Bot API.
func (c *Client) doRequest(ctx context.Context, token, method string, payload, result any, callTimeout time.Duration) *APIError {
	reqCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return &APIError{Kind: KindUnknown, Method: method, Err: fmt.Errorf("failed to encode payload: %w", err)}
		}
		body = bytes.NewReader(b)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, body)
	if err != nil {
		return &APIError{Kind: KindUnknown, Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Kind: classifyTransport(err), Method: method, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	var envelope apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		if resp.StatusCode >= 500 {
			return &APIError{Kind: KindServer, Method: method, StatusCode: resp.StatusCode, Err: err}
		}
		return &APIError{Kind: KindUnknown, Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if !envelope.OK {
		statusCode := resp.StatusCode
		if envelope.ErrorCode != 0 {
			statusCode = envelope.ErrorCode
		}
		return &APIError{
			Kind:        classifyStatus(statusCode, envelope.Description),
			Method:      method,
			StatusCode:  statusCode,
			Description: envelope.Description,
		}
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return &APIError{Kind: KindUnknown, Method: method, Err: fmt.Errorf("failed to decode result: %w", err)}
		}
	}
	return nil
}

// GetMe validates a token by calling getMe.
func (c *Client) GetMe(ctx context.Context, token string) (*models.User, error) {
	var user models.User
	if err := c.call(ctx, token, "getMe", nil, &user, 0); err != nil {
		return nil, err
	}
	return &user, nil
}

// getUpdatesParams is the getUpdates request payload.
type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Limit          int      `json:"limit"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// GetUpdates long-polls for new updates and returns them with the next
// offset to request.
func (c *Client) GetUpdates(ctx context.Context, token string, offset int64, timeout time.Duration, limit int) ([]models.Update, int64, error) {
	if timeout < minPollTimeout {
		timeout = minPollTimeout
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	if limit < minPollLimit {
		limit = minPollLimit
	}
	if limit > maxPollLimit {
		limit = maxPollLimit
	}

	params := getUpdatesParams{
		Offset:  offset,
		Limit:   limit,
		Timeout: int(timeout.Seconds()),
		AllowedUpdates: []string{
			"message",
			"edited_message",
			"callback_query",
		},
	}

	var updates []models.Update
	// The HTTP attempt must outlive the long-poll window.
	if err := c.call(ctx, token, "getUpdates", params, &updates, timeout+connectTimeout); err != nil {
		return nil, offset, err
	}

	next := offset
	for _, u := range updates {
		if u.ID >= next {
			next = u.ID + 1
		}
	}
	return updates, next, nil
}

// sendMessageParams is the sendMessage request payload.
type sendMessageParams struct {
	ChatID      int64              `json:"chat_id"`
	Text        string             `json:"text"`
	ReplyMarkup models.ReplyMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends a text message and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, token string, chatID int64, text string, markup models.ReplyMarkup) (int64, error) {
	params := sendMessageParams{ChatID: chatID, Text: text, ReplyMarkup: markup}
	var msg models.Message
	if err := c.call(ctx, token, "sendMessage", params, &msg, 0); err != nil {
		return 0, err
	}
	return int64(msg.ID), nil
}

// editMessageTextParams is the editMessageText request payload.
type editMessageTextParams struct {
	ChatID      int64              `json:"chat_id"`
	MessageID   int64              `json:"message_id"`
	Text        string             `json:"text"`
	ReplyMarkup models.ReplyMarkup `json:"reply_markup,omitempty"`
}

// EditMessageText edits a previously sent message in place.
func (c *Client) EditMessageText(ctx context.Context, token string, chatID int64, messageID int64, text string, markup models.ReplyMarkup) error {
	params := editMessageTextParams{ChatID: chatID, MessageID: messageID, Text: text, ReplyMarkup: markup}
	return c.call(ctx, token, "editMessageText", params, nil, 0)
}

// answerCallbackQueryParams is the answerCallbackQuery request payload.
type answerCallbackQueryParams struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

// AnswerCallbackQuery acknowledges a callback interaction.
func (c *Client) AnswerCallbackQuery(ctx context.Context, token, callbackQueryID, text string) error {
	params := answerCallbackQueryParams{CallbackQueryID: callbackQueryID, Text: text}
	return c.call(ctx, token, "answerCallbackQuery", params, nil, 0)
}

// setWebhookParams is the setWebhook request payload.
type setWebhookParams struct {
	URL         string `json:"url"`
	SecretToken string `json:"secret_token,omitempty"`
}

// SetWebhook registers a webhook URL with an optional secret token.
func (c *Client) SetWebhook(ctx context.Context, token, url, secretToken string) error {
	params := setWebhookParams{URL: url, SecretToken: secretToken}
	return c.call(ctx, token, "setWebhook", params, nil, 0)
}

// deleteWebhookParams is the deleteWebhook request payload.
type deleteWebhookParams struct {
	DropPendingUpdates bool `json:"drop_pending_updates"`
}

// DeleteWebhook removes any registered webhook.
func (c *Client) DeleteWebhook(ctx context.Context, token string, dropPendingUpdates bool) error {
	params := deleteWebhookParams{DropPendingUpdates: dropPendingUpdates}
	return c.call(ctx, token, "deleteWebhook", params, nil, 0)
}

// GetWebhookInfo returns the current webhook registration state.
func (c *Client) GetWebhookInfo(ctx context.Context, token string) (*models.WebhookInfo, error) {
	var info models.WebhookInfo
	if err := c.call(ctx, token, "getWebhookInfo", nil, &info, 0); err != nil {
		return nil, err
	}
	return &info, nil
}

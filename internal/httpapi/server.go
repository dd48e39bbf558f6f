// Package httpapi exposes the webhook ingress and the operator surface:
// bot status, start/stop/restart requests and webhook management.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot/models"

	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/dispatch"
	"github.com/iraniu/adsbot/internal/telegram"
)

const (
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

	ingressRateLimit  = 30
	ingressRateWindow = time.Minute
)

// Server wires the HTTP routes to the store, the dispatcher and the
// outbound client.
type Server struct {
	store      database.Store
	api        telegram.API
	dispatcher *dispatch.Dispatcher
	limiter    *userRateLimiter
	logger     *slog.Logger

	// webhookBase is the public https base URL webhook paths are built on.
	webhookBase string
}

// New creates the HTTP API server.
func New(store database.Store, api telegram.API, dispatcher *dispatch.Dispatcher, webhookBase string, logger *slog.Logger) *Server {
	return &Server{
		store:       store,
		api:         api,
		dispatcher:  dispatcher,
		limiter:     newUserRateLimiter(ingressRateLimit, ingressRateWindow),
		logger:      logger.With("component", "httpapi"),
		webhookBase: strings.TrimRight(webhookBase, "/"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/telegram/webhook/:secret", s.handleWebhook)

	bots := r.Group("/bots")
	bots.GET("/:id/status", s.handleStatus)
	bots.POST("/:id/start", s.requestAction(database.ActionStart))
	bots.POST("/:id/stop", s.requestAction(database.ActionStop))
	bots.POST("/:id/restart", s.requestAction(database.ActionRestart))
	bots.POST("/:id/webhook", s.handleActivateWebhook)
	bots.DELETE("/:id/webhook", s.handleDeactivateWebhook)

	r.GET("/healthz", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

// handleWebhook is the update ingress. Once the caller is authenticated it
// always acknowledges with 200, even when dispatch fails internally;
// anything else triggers redelivery storms from the upstream service.
func (s *Server) handleWebhook(c *gin.Context) {
	secret := c.Param("secret")

	bot, err := s.store.GetBotByWebhookSecret(c.Request.Context(), secret)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			s.logger.Error("webhook bot lookup failed", "error", err)
		}
		c.Status(http.StatusNotFound)
		return
	}

	if c.GetHeader(secretTokenHeader) != bot.WebhookSecret {
		c.Status(http.StatusForbidden)
		return
	}

	var upd models.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		s.logger.Warn("undecodable webhook payload", "bot_id", bot.ID, "error", err)
		c.Status(http.StatusOK)
		return
	}

	if err := s.store.TouchWebhookReceived(c.Request.Context(), bot.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to record webhook receipt", "bot_id", bot.ID, "error", err)
	}

	if ev, ok := dispatch.ParseEvent(&upd); ok && !s.limiter.Allow(ev.UserID) {
		s.logger.Warn("webhook update rate limited",
			"bot_id", bot.ID,
			"user_id", ev.UserID)
		c.Status(http.StatusOK)
		return
	}

	s.dispatcher.Process(c.Request.Context(), bot, &upd)
	c.Status(http.StatusOK)
}

func (s *Server) handleStatus(c *gin.Context) {
	bot, ok := s.lookupBot(c)
	if !ok {
		return
	}

	resp := gin.H{
		"id":         bot.ID,
		"name":       bot.Name,
		"mode":       bot.Mode,
		"status":     bot.Status,
		"is_active":  bot.IsActive,
		"last_error": bot.LastError,
	}
	if bot.LastHeartbeat != nil {
		resp["last_heartbeat"] = bot.LastHeartbeat.UTC().Format(time.RFC3339)
		resp["heartbeat_age_seconds"] = int(time.Since(*bot.LastHeartbeat).Seconds())
	}
	if bot.LastWebhookAt != nil {
		resp["last_webhook_at"] = bot.LastWebhookAt.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}

// requestAction records an operator action; the supervisor applies it on
// its next tick, so the response only means "accepted". Actions control
// polling workers, so webhook-mode bots are refused rather than accepting
// a request nothing will ever apply.
func (s *Server) requestAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bot, ok := s.lookupBot(c)
		if !ok {
			return
		}

		if bot.Mode != database.ModePolling {
			c.JSON(http.StatusConflict, gin.H{"error": "bot is in webhook mode; deactivate the webhook first"})
			return
		}

		if err := s.store.SetRequestedAction(c.Request.Context(), bot.ID, action); err != nil {
			s.logger.Error("failed to set requested action",
				"bot_id", bot.ID,
				"action", action,
				"error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record action"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"bot_id": bot.ID, "requested_action": action})
	}
}

// handleActivateWebhook registers the bot's webhook upstream and switches
// it to webhook mode. The path segment is the bot's unguessable secret.
func (s *Server) handleActivateWebhook(c *gin.Context) {
	bot, ok := s.lookupBot(c)
	if !ok {
		return
	}

	if s.webhookBase == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "webhook base url is not configured"})
		return
	}

	url := s.webhookBase + "/telegram/webhook/" + bot.WebhookSecret
	if err := s.api.SetWebhook(c.Request.Context(), bot.Token, url, bot.WebhookSecret); err != nil {
		s.logger.Error("failed to register webhook", "bot_id", bot.ID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "webhook registration failed"})
		return
	}

	if err := s.store.UpdateBotWebhook(c.Request.Context(), bot.ID, url, database.ModeWebhook); err != nil {
		s.logger.Error("failed to persist webhook mode", "bot_id", bot.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist webhook mode"})
		return
	}

	// A worker action queued before the switch has nothing left to apply.
	if err := s.store.ClearRequestedAction(c.Request.Context(), bot.ID); err != nil {
		s.logger.Warn("failed to clear pending action on mode switch", "bot_id", bot.ID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"bot_id": bot.ID, "webhook_url": url})
}

// handleDeactivateWebhook clears the upstream webhook and returns the bot
// to polling mode.
func (s *Server) handleDeactivateWebhook(c *gin.Context) {
	bot, ok := s.lookupBot(c)
	if !ok {
		return
	}

	if err := s.api.DeleteWebhook(c.Request.Context(), bot.Token, false); err != nil {
		s.logger.Error("failed to clear webhook", "bot_id", bot.ID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "webhook removal failed"})
		return
	}

	if err := s.store.UpdateBotWebhook(c.Request.Context(), bot.ID, "", database.ModePolling); err != nil {
		s.logger.Error("failed to persist polling mode", "bot_id", bot.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist polling mode"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bot_id": bot.ID, "mode": database.ModePolling})
}

func (s *Server) lookupBot(c *gin.Context) (*database.Bot, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return nil, false
	}

	bot, err := s.store.GetBot(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		} else {
			s.logger.Error("bot lookup failed", "bot_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		}
		return nil, false
	}

	return bot, true
}

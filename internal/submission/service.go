// Package submission creates and manages ad submission records on behalf
// of the conversation flow.
package submission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/sanitize"
)

// FallbackCategory receives submissions whose category is missing or no
// longer active by the time the user confirms.
const FallbackCategory = "other"

// Request carries everything needed to create one submission.
type Request struct {
	BotID      int64
	UserID     int64
	Username   string
	Category   string
	Content    string
	Contact    map[string]string
	ResubmitOf *int64
}

// Service persists submissions and serves the live category list.
type Service struct {
	store  database.Store
	logger *slog.Logger
}

// NewService creates a submission service backed by the given store.
func NewService(store database.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With("component", "submission"),
	}
}

// Submit cleans the content, snapshots the contact info and creates a
// pending submission. The category falls back to FallbackCategory when it
// is not in the live list.
func (s *Service) Submit(ctx context.Context, req Request) (int64, error) {
	content, err := sanitize.CleanAdText(req.Content)
	if err != nil {
		return 0, fmt.Errorf("invalid content: %w", err)
	}

	category, err := s.resolveCategory(ctx, req.Category)
	if err != nil {
		return 0, err
	}

	sub := &database.Submission{
		BotID:      req.BotID,
		UserID:     req.UserID,
		Username:   req.Username,
		Category:   category,
		Content:    content,
		Status:     database.SubmissionPending,
		Contact:    database.JSONMap(req.Contact),
		ResubmitOf: req.ResubmitOf,
	}
	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		return 0, fmt.Errorf("failed to create submission: %w", err)
	}

	s.logger.Info("submission created",
		"submission_id", sub.ID,
		"bot_id", req.BotID,
		"user_id", req.UserID,
		"category", category,
		"resubmit", req.ResubmitOf != nil)

	return sub.ID, nil
}

// MarkSolved closes a submission after a successful resubmission. The
// original record is kept, never deleted.
func (s *Service) MarkSolved(ctx context.Context, id int64) error {
	if err := s.store.UpdateSubmissionStatus(ctx, id, database.SubmissionSolved); err != nil {
		return fmt.Errorf("failed to mark submission solved: %w", err)
	}
	return nil
}

// Lookup retrieves a submission by id, returning database.ErrNotFound when
// it does not exist.
func (s *Service) Lookup(ctx context.Context, id int64) (*database.Submission, error) {
	return s.store.GetSubmission(ctx, id)
}

// ListByUser retrieves the user's most recent submissions for a bot.
func (s *Service) ListByUser(ctx context.Context, botID, userID int64, limit int) ([]database.Submission, error) {
	return s.store.ListUserSubmissions(ctx, botID, userID, limit)
}

// ListActive serves the live category list shown on the category keyboard.
func (s *Service) ListActive(ctx context.Context) ([]database.Category, error) {
	return s.store.ListActiveCategories(ctx)
}

func (s *Service) resolveCategory(ctx context.Context, key string) (string, error) {
	cats, err := s.store.ListActiveCategories(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list categories: %w", err)
	}

	for _, c := range cats {
		if c.Key == key {
			return key, nil
		}
	}

	if key != "" {
		s.logger.Warn("category not active, falling back", "category", key)
	}

	return FallbackCategory, nil
}

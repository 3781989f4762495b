// Package services – ConversationService
//
// This file implements the ConversationService, which binds a WeChat follower
// to an AI backend conversation so consecutive messages continue the same
// dialogue. Clearing a binding also deletes the backend conversation on a
// best-effort basis; a remote failure never blocks the local clear.
package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ConversationRepo defines the repository contract required by ConversationService.
type ConversationRepo interface {
	// GetConversationID returns the stored conversation id, "" when absent.
	GetConversationID(ctx context.Context, db *gorm.DB, userID, appID string) (string, error)

	// UpsertConversationID stores or replaces the binding.
	UpsertConversationID(ctx context.Context, db *gorm.DB, userID, appID, conversationID string) error

	// DeleteConversationID removes the binding; absence is not an error.
	DeleteConversationID(ctx context.Context, db *gorm.DB, userID, appID string) error
}

// ConversationDeleter removes a conversation on the AI backend.
type ConversationDeleter interface {
	DeleteConversation(ctx context.Context, conversationID, user string) error
}

// ConversationService provides per-user conversation binding operations.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the conversation repository used by this service.
	Repo ConversationRepo
	// AppID scopes bindings to one official account.
	AppID string
	// Remote optionally deletes the backend conversation on Clear. Nil skips it.
	Remote ConversationDeleter
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, repo ConversationRepo, appID string, remote ConversationDeleter) *ConversationService {
	return &ConversationService{DB: db, Repo: repo, AppID: appID, Remote: remote}
}

// Get returns the stored conversation id for user, or "" when none exists.
func (s *ConversationService) Get(ctx context.Context, user string) (string, error) {
	id, err := s.Repo.GetConversationID(ctx, s.DB, user, s.AppID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConversationStore, err)
	}
	return id, nil
}

// Save persists conversationID for user, replacing any previous binding.
func (s *ConversationService) Save(ctx context.Context, user, conversationID string) error {
	if err := s.Repo.UpsertConversationID(ctx, s.DB, user, s.AppID, conversationID); err != nil {
		return fmt.Errorf("%w: %v", ErrConversationStore, err)
	}
	return nil
}

// Clear removes the binding for user. The backend conversation is deleted
// best-effort first so the dialogue cannot be silently resumed remotely.
func (s *ConversationService) Clear(ctx context.Context, user string) error {
	if s.Remote != nil {
		if id, err := s.Repo.GetConversationID(ctx, s.DB, user, s.AppID); err == nil && id != "" {
			if err := s.Remote.DeleteConversation(ctx, id, user); err != nil {
				log.Warn().Err(err).Str("user", user).Msg("remote conversation delete failed")
			}
		}
	}
	if err := s.Repo.DeleteConversationID(ctx, s.DB, user, s.AppID); err != nil {
		return fmt.Errorf("%w: %v", ErrConversationStore, err)
	}
	return nil
}

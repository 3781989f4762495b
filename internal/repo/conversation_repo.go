// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model, the per-user binding to an AI backend conversation.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a binding is not found, GetConversationID returns ("", nil):
//     an absent binding simply means a fresh dialogue.
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bikeread/dify-wechat-plugin/internal/domain"
)

// GetConversationID returns the stored AI conversation id for (userID, appID),
// or "" when no binding exists. On DB error, it returns the error.
func GetConversationID(ctx context.Context, db *gorm.DB, userID, appID string) (string, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("user_id = ? AND app_id = ?", userID, appID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.ConversationID, nil
}

// UpsertConversationID stores conversationID for (userID, appID), creating
// the binding if missing and updating it otherwise.
func UpsertConversationID(ctx context.Context, db *gorm.DB, userID, appID, conversationID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("user_id = ? AND app_id = ?", userID, appID).
		Update("conversation_id", conversationID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	c := &domain.Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		AppID:          appID,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(c).Error
}

// DeleteConversationID removes the binding for (userID, appID). Deleting an
// absent binding is not an error.
func DeleteConversationID(ctx context.Context, db *gorm.DB, userID, appID string) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND app_id = ?", userID, appID).
		Delete(&domain.Conversation{}).Error
}

// Package domain defines the persistence models for the WeChat bridge.
// These types are mapped with GORM and form the data layer that survives
// process restarts, chiefly the per-user AI conversation binding.
package domain

import (
	"time"
)

// Conversation binds a WeChat follower to an AI backend conversation so that
// consecutive messages from the same user continue the same dialogue.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: the follower's OpenID; unique together with AppID.
//   - AppID: the official-account application id the follower talked to.
//   - ConversationID: the AI backend conversation identifier.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//
// Deletes are physical: a cleared context removes the row so the unique
// (UserID, AppID) binding can be recreated on the user's next message.
type Conversation struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(64);not null;uniqueIndex:ux_conv_user_app"`
	AppID          string    `json:"app_id"          gorm:"type:varchar(64);not null;uniqueIndex:ux_conv_user_app"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(128);not null"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

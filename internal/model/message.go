package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

type Message struct {
	ID        string            `gorm:"primaryKey;size:26" json:"id"`
	SessionID string            `gorm:"size:36;not null;index:idx_chat_msg_session_created,priority:1" json:"session_id"`
	Role      string            `gorm:"size:16;not null" json:"role"`
	Content   string            `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time         `gorm:"index:idx_chat_msg_session_created,priority:2" json:"created_at"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
}

func (Message) TableName() string { return "chat_messages" }

func ValidMessageRole(role string) bool {
	switch role {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem:
		return true
	}
	return false
}

package model

import (
	"time"

	"gorm.io/datatypes"
)

const DefaultSessionTitle = "New Chat"

type Session struct {
	ID        string            `gorm:"primaryKey;size:36" json:"id"`
	UserID    string            `gorm:"size:36;not null;index" json:"user_id"`
	Title     string            `gorm:"size:128;not null" json:"title"`
	Model     string            `gorm:"size:64;not null" json:"model"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `gorm:"index" json:"updated_at"`
	Metadata  datatypes.JSONMap `json:"metadata"`
}

func (Session) TableName() string { return "chat_sessions" }

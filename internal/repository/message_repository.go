package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"aichat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

// ListRecentBySessionID returns the newest limit messages in ascending order.
func (r *MessageRepository) ListRecentBySessionID(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var messages []model.Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var message model.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &message, nil
}

func (r *MessageRepository) DeleteByID(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) DeleteBySessionID(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete session messages failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) CountBySessionID(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Message{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count messages failed: %w", err)
	}
	return n, nil
}

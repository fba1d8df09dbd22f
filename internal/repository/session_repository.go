package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"aichat/internal/model"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session failed: %w", err)
	}
	return nil
}

func (r *SessionRepository) ListByUserID(ctx context.Context, userID string, limit int) ([]model.Session, error) {
	var sessions []model.Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) GetByIDAndUserID(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	var session model.Session
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) UpdateTitle(ctx context.Context, sessionID, title string, at time.Time) error {
	if err := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", sessionID).
		UpdateColumns(map[string]interface{}{"title": title, "updated_at": at}).Error; err != nil {
		return fmt.Errorf("update session failed: %w", err)
	}
	return nil
}

// Touch moves updated_at forward to at. An older timestamp is a no-op so the
// column never decreases.
func (r *SessionRepository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	if err := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND updated_at < ?", sessionID, at).
		UpdateColumn("updated_at", at).Error; err != nil {
		return fmt.Errorf("touch session failed: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteByIDAndUserID(ctx context.Context, sessionID, userID string) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).Delete(&model.Session{}).Error; err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	return nil
}

// WithTx runs fn against repositories bound to one transaction.
func WithTx(ctx context.Context, db *gorm.DB, fn func(sessions *SessionRepository, messages *MessageRepository) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewSessionRepository(tx), NewMessageRepository(tx))
	})
}

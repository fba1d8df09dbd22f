package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aichat/internal/feed"
	"aichat/internal/model"
	"aichat/internal/repository"
)

const (
	DefaultSessionLimit = 20
	MaxSessionLimit     = 100
	maxHistory          = 500

	TableSessions = "chat_sessions"
	TableMessages = "chat_messages"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageEmpty    = errors.New("message content is empty")
)

// HistoryCache is satisfied by cache.HistoryCache; nil disables caching.
type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID string) ([]model.Message, bool, error)
	SetHistoryIfClean(ctx context.Context, sessionID string, messages []model.Message) (bool, error)
	DeleteHistory(ctx context.Context, sessionID string) error
	Invalidate(ctx context.Context, sessionID string) error
	IsDirty(ctx context.Context, sessionID string) (bool, error)
}

// DataService is the only path to chat rows. Every call names the acting
// user, and rows owned by someone else behave as if they did not exist.
type DataService struct {
	db           *gorm.DB
	sessionRepo  *repository.SessionRepository
	messageRepo  *repository.MessageRepository
	changes      feed.Feed
	historyCache HistoryCache
	defaultModel string
	now          func() time.Time
}

type CreateSessionInput struct {
	Title    string
	Model    string
	Metadata map[string]interface{}
}

type UpdateSessionInput struct {
	Title    *string
	Metadata map[string]interface{}
}

type SessionDetail struct {
	Session  *model.Session  `json:"session"`
	Messages []model.Message `json:"messages"`
}

func NewDataService(db *gorm.DB, changes feed.Feed, historyCache HistoryCache, defaultModel string) *DataService {
	return &DataService{
		db:           db,
		sessionRepo:  repository.NewSessionRepository(db),
		messageRepo:  repository.NewMessageRepository(db),
		changes:      changes,
		historyCache: historyCache,
		defaultModel: defaultModel,
		now:          time.Now,
	}
}

func (s *DataService) CreateSession(ctx context.Context, userID string, input CreateSessionInput) (*model.Session, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = model.DefaultSessionTitle
	}
	modelName := strings.TrimSpace(input.Model)
	if modelName == "" {
		modelName = s.defaultModel
	}

	now := s.now()
	session := &model.Session{
		ID:        model.NewSessionID(),
		UserID:    userID,
		Title:     truncateRunes(title, 128),
		Model:     modelName,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  input.Metadata,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}
	s.publish(ctx, TableSessions, feed.EventInsert, sessionColumns(session), session)
	return session, nil
}

func (s *DataService) GetSession(ctx context.Context, userID, sessionID string) (*SessionDetail, error) {
	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.history(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: session, Messages: messages}, nil
}

func (s *DataService) ListSessions(ctx context.Context, userID string, limit int) ([]model.Session, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	if limit > MaxSessionLimit {
		limit = MaxSessionLimit
	}
	return s.sessionRepo.ListByUserID(ctx, userID, limit)
}

func (s *DataService) UpdateSession(ctx context.Context, userID, sessionID string, input UpdateSessionInput) (*model.Session, error) {
	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	title := session.Title
	if input.Title != nil {
		title = strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, ErrInvalidInput
		}
		title = truncateRunes(title, 128)
	}
	at := s.now()
	if at.Before(session.UpdatedAt) {
		at = session.UpdatedAt
	}
	if err := s.sessionRepo.UpdateTitle(ctx, sessionID, title, at); err != nil {
		return nil, err
	}
	if input.Metadata != nil {
		if err := s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", sessionID).
			UpdateColumn("metadata", datatypes.JSONMap(input.Metadata)).Error; err != nil {
			return nil, err
		}
		session.Metadata = input.Metadata
	}

	session.Title = title
	session.UpdatedAt = at
	s.publish(ctx, TableSessions, feed.EventUpdate, sessionColumns(session), session)
	return session, nil
}

// DeleteSession removes the session and all of its messages.
func (s *DataService) DeleteSession(ctx context.Context, userID, sessionID string) error {
	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	err = repository.WithTx(ctx, s.db, func(sessions *repository.SessionRepository, messages *repository.MessageRepository) error {
		if err := messages.DeleteBySessionID(ctx, sessionID); err != nil {
			return err
		}
		return sessions.DeleteByIDAndUserID(ctx, sessionID, userID)
	})
	if err != nil {
		return err
	}

	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(ctx, sessionID)
	}
	s.publish(ctx, TableSessions, feed.EventDelete, sessionColumns(session), session)
	return nil
}

// AddMessage stores msg and moves the session's updated_at forward. An empty
// ID is filled with a new message id.
func (s *DataService) AddMessage(ctx context.Context, userID string, msg *model.Message) error {
	if msg == nil || !model.ValidMessageRole(msg.Role) {
		return ErrInvalidInput
	}
	if msg.Role == model.MessageRoleUser && strings.TrimSpace(msg.Content) == "" {
		return ErrMessageEmpty
	}
	if _, err := s.ownedSession(ctx, userID, msg.SessionID); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = model.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	err := repository.WithTx(ctx, s.db, func(sessions *repository.SessionRepository, messages *repository.MessageRepository) error {
		if err := messages.Create(ctx, msg); err != nil {
			return err
		}
		return sessions.Touch(ctx, msg.SessionID, msg.CreatedAt)
	})
	if err != nil {
		return err
	}

	if s.historyCache != nil {
		_ = s.historyCache.Invalidate(ctx, msg.SessionID)
	}
	s.publish(ctx, TableMessages, feed.EventInsert, messageColumns(msg), msg)
	return nil
}

// GetMessages returns the session's messages oldest first. A positive limit
// keeps only the newest limit messages.
func (s *DataService) GetMessages(ctx context.Context, userID, sessionID string, limit int) ([]model.Message, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	messages, err := s.history(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return trimMessages(messages, limit), nil
}

func (s *DataService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	if messageID == "" {
		return ErrInvalidInput
	}
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrMessageNotFound
	}
	if _, err := s.ownedSession(ctx, userID, msg.SessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return ErrMessageNotFound
		}
		return err
	}

	if err := s.messageRepo.DeleteByID(ctx, messageID); err != nil {
		return err
	}
	if s.historyCache != nil {
		_ = s.historyCache.Invalidate(ctx, msg.SessionID)
	}
	s.publish(ctx, TableMessages, feed.EventDelete, messageColumns(msg), msg)
	return nil
}

func (s *DataService) ownedSession(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	if userID == "" || sessionID == "" {
		return nil, ErrInvalidInput
	}
	session, err := s.sessionRepo.GetByIDAndUserID(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// history returns the newest maxHistory messages oldest first, reading
// through the cache unless a recent write marked it dirty.
func (s *DataService) history(ctx context.Context, sessionID string) ([]model.Message, error) {
	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return cached, nil
			}
		}
	}

	messages, err := s.messageRepo.ListRecentBySessionID(ctx, sessionID, maxHistory)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if _, err := s.historyCache.SetHistoryIfClean(ctx, sessionID, messages); err != nil {
			log.Printf("[DataService] cache history for %s failed: %v", sessionID, err)
		}
	}
	return messages, nil
}

func (s *DataService) publish(ctx context.Context, table string, event feed.Event, columns map[string]string, row interface{}) {
	if s.changes == nil {
		return
	}
	raw, err := json.Marshal(row)
	if err != nil {
		log.Printf("[DataService] encode %s change failed: %v", table, err)
		return
	}
	change := feed.Change{Table: table, Event: event, Columns: columns, Row: raw, At: s.now()}
	if err := s.changes.Publish(ctx, change); err != nil {
		log.Printf("[DataService] publish %s %s failed: %v", table, event, err)
	}
}

func sessionColumns(session *model.Session) map[string]string {
	return map[string]string{"id": session.ID, "user_id": session.UserID}
}

func messageColumns(msg *model.Message) map[string]string {
	return map[string]string{"id": msg.ID, "session_id": msg.SessionID}
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

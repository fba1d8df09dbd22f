package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"aichat/internal/cache"
	"aichat/internal/model"
	"aichat/internal/pkg/jwtutil"
	"aichat/internal/repository"
)

const MinPasswordLength = 8

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrWeakPassword      = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrEmailExists       = errors.New("email already exists")
	ErrInvalidCredential = errors.New("invalid email or password")
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrUserNotFound      = errors.New("user not found")
)

// Session is an issued access token and the user it belongs to.
type Session struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        *model.User `json:"user"`
}

type ProfileUpdate struct {
	Name      *string
	AvatarURL *string
}

// Notifier delivers password reset links.
type Notifier interface {
	SendPasswordReset(ctx context.Context, email, link string) error
}

type LogNotifier struct{}

func (LogNotifier) SendPasswordReset(_ context.Context, email, link string) error {
	log.Printf("[Auth] password reset link for %s: %s", email, link)
	return nil
}

type AuthOptions struct {
	Secret        string
	TokenTTL      time.Duration
	ResetTokenTTL time.Duration
	AppURL        string
	Notifier      Notifier
}

// AuthService is the stateless auth API: every call carries the token or
// user id it acts on.
type AuthService struct {
	users    *repository.UserRepository
	tokens   cache.TokenStore
	notifier Notifier

	secret   string
	tokenTTL time.Duration
	resetTTL time.Duration
	appURL   string
}

func NewAuthService(users *repository.UserRepository, tokens cache.TokenStore, opts AuthOptions) *AuthService {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 2 * time.Hour
	}
	if opts.ResetTokenTTL <= 0 {
		opts.ResetTokenTTL = time.Hour
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	return &AuthService{
		users:    users,
		tokens:   tokens,
		notifier: opts.Notifier,
		secret:   opts.Secret,
		tokenTTL: opts.TokenTTL,
		resetTTL: opts.ResetTokenTTL,
		appURL:   strings.TrimRight(opts.AppURL, "/"),
	}
}

func (s *AuthService) SignUp(ctx context.Context, email, password, name string) (*Session, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrInvalidInput
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password failed: %w", err)
	}

	account := &model.Account{
		ID:           model.NewAccountID(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, account); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailExists
		}
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = model.EmailLocalPart(email)
	}
	profile := &model.UserProfile{
		ID:               account.ID,
		Email:            email,
		Name:             &name,
		Role:             model.RoleUser,
		SubscriptionTier: model.TierFree,
	}
	if err := s.users.CreateProfileIfAbsent(ctx, profile); err != nil {
		log.Printf("[Auth] create profile for %s failed: %v", account.ID, err)
	}

	return s.issue(ctx, account)
}

func (s *AuthService) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidInput
	}

	account, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredential
	}

	return s.issue(ctx, account)
}

// SignOut revokes the token for the rest of its lifetime.
func (s *AuthService) SignOut(ctx context.Context, token string) error {
	claims, err := s.Verify(ctx, token)
	if err != nil {
		return err
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if err := s.tokens.Revoke(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("revoke token failed: %w", err)
	}
	return nil
}

func (s *AuthService) Verify(ctx context.Context, token string) (*jwtutil.Claims, error) {
	claims, err := jwtutil.ParseToken(s.secret, token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	revoked, err := s.tokens.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *AuthService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	account, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrUserNotFound
	}
	profile, err := s.users.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return model.NewUser(account, profile), nil
}

func (s *AuthService) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*model.User, error) {
	updates := map[string]interface{}{}
	if update.Name != nil {
		updates["name"] = strings.TrimSpace(*update.Name)
	}
	if update.AvatarURL != nil {
		updates["avatar_url"] = strings.TrimSpace(*update.AvatarURL)
	}
	if err := s.users.UpdateProfile(ctx, userID, updates); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

// RequestPasswordReset succeeds whether or not the email is registered.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return ErrInvalidInput
	}

	account, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}

	token := uuid.NewString()
	if err := s.tokens.PutResetToken(ctx, token, account.ID, s.resetTTL); err != nil {
		return err
	}
	link := s.appURL + "/reset-password?token=" + url.QueryEscape(token)
	if err := s.notifier.SendPasswordReset(ctx, email, link); err != nil {
		return fmt.Errorf("send password reset failed: %w", err)
	}
	return nil
}

func (s *AuthService) ResetPassword(ctx context.Context, resetToken, newPassword string) (*Session, error) {
	if len(newPassword) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	userID, err := s.tokens.TakeResetToken(ctx, resetToken)
	if errors.Is(err, cache.ErrTokenNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if err := s.setPassword(ctx, userID, newPassword); err != nil {
		return nil, err
	}

	account, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrUserNotFound
	}
	return s.issue(ctx, account)
}

func (s *AuthService) UpdatePassword(ctx context.Context, userID, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	return s.setPassword(ctx, userID, newPassword)
}

func (s *AuthService) setPassword(ctx context.Context, userID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password failed: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, string(hash)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

func (s *AuthService) issue(ctx context.Context, account *model.Account) (*Session, error) {
	token, claims, err := jwtutil.GenerateToken(s.secret, s.tokenTTL, account.ID, account.Email)
	if err != nil {
		return nil, err
	}
	profile, err := s.users.GetProfile(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   claims.ExpiresAt.Time,
		User:        model.NewUser(account, profile),
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && len(email) <= 128
}

package model

import (
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAdmin     = "admin"
	RoleModerator = "moderator"

	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Account is the credential record owned by the auth subsystem.
type Account struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Email        string    `gorm:"size:128;not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Account) TableName() string { return "users" }

type UserProfile struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	Email            string    `gorm:"size:128;not null;index" json:"email"`
	Name             *string   `gorm:"size:128" json:"name"`
	AvatarURL        *string   `gorm:"size:512" json:"avatar_url"`
	Role             string    `gorm:"size:16;not null;default:user" json:"role"`
	SubscriptionTier string    `gorm:"size:16;not null;default:free" json:"subscription_tier"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (UserProfile) TableName() string { return "user_profiles" }

// User is the read-only projection the rest of the app works with.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Role         string    `json:"role"`
	Subscription string    `json:"subscription"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUser builds the projection. profile may be nil when it has not been
// created yet.
func NewUser(account *Account, profile *UserProfile) *User {
	u := &User{
		ID:           account.ID,
		Email:        account.Email,
		Name:         EmailLocalPart(account.Email),
		Role:         RoleUser,
		Subscription: TierFree,
		CreatedAt:    account.CreatedAt,
	}
	if profile == nil {
		return u
	}
	if profile.Name != nil && strings.TrimSpace(*profile.Name) != "" {
		u.Name = *profile.Name
	}
	if profile.AvatarURL != nil {
		u.AvatarURL = *profile.AvatarURL
	}
	if profile.Role != "" {
		u.Role = profile.Role
	}
	if profile.SubscriptionTier != "" {
		u.Subscription = profile.SubscriptionTier
	}
	return u
}

func EmailLocalPart(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}

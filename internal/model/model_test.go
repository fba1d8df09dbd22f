package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUser_FallsBackToEmailLocalPart(t *testing.T) {
	u := NewUser(&Account{ID: "a1", Email: "ada@example.com"}, nil)
	assert.Equal(t, "ada", u.Name)
	assert.Equal(t, RoleUser, u.Role)
	assert.Equal(t, TierFree, u.Subscription)
}

func TestNewUser_UsesProfile(t *testing.T) {
	name := "Ada Lovelace"
	avatar := "https://example.com/a.png"
	u := NewUser(&Account{ID: "a1", Email: "ada@example.com"}, &UserProfile{
		ID:               "a1",
		Name:             &name,
		AvatarURL:        &avatar,
		Role:             RoleAdmin,
		SubscriptionTier: TierPro,
	})
	assert.Equal(t, name, u.Name)
	assert.Equal(t, avatar, u.AvatarURL)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.Equal(t, TierPro, u.Subscription)
}

func TestNewMessageID_Increasing(t *testing.T) {
	prev := NewMessageID()
	for i := 0; i < 100; i++ {
		next := NewMessageID()
		assert.Less(t, prev, next)
		prev = next
	}
}

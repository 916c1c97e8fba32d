package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceToken is the stored side of a device credential. Only the hash of
// the raw bearer secret is kept.
type DeviceToken struct {
	ID         uuid.UUID  `json:"id"`
	TokenHash  string     `json:"-"`
	DeviceID   string     `json:"device_id"`
	UserID     string     `json:"user_id"`
	UserEmail  string     `json:"user_email"`
	DeviceName string     `json:"device_name"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	RotatedAt  *time.Time `json:"rotated_at,omitempty"`
}

func (t *DeviceToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// UserContext is what a successfully validated device token resolves to.
type UserContext struct {
	UserID     string    `json:"userId"`
	UserEmail  string    `json:"userEmail"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName,omitempty"`
	IssuedAt   time.Time `json:"issuedAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (t *DeviceToken) UserContext() *UserContext {
	return &UserContext{
		UserID:     t.UserID,
		UserEmail:  t.UserEmail,
		DeviceID:   t.DeviceID,
		DeviceName: t.DeviceName,
		IssuedAt:   t.IssuedAt,
		LastUsedAt: t.LastUsedAt,
		ExpiresAt:  t.ExpiresAt,
	}
}

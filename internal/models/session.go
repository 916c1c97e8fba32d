package models

import (
	"time"
)

// WebSession is a signed-in browser session established by the identity
// layer. Linking a device requires one.
type WebSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserEmail string    `json:"user_email"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

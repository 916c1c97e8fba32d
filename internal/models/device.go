package models

import (
	"time"
)

// DeviceRegistration is a pending pairing between a headless device and a
// (future) authenticated user. It is linked at most once.
type DeviceRegistration struct {
	DeviceID          string     `json:"device_id"`
	Code              string     `json:"code"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	Linked            bool       `json:"linked"`
	UserID            string     `json:"user_id,omitempty"`
	UserEmail         string     `json:"user_email,omitempty"`
	LinkedAt          *time.Time `json:"linked_at,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (r *DeviceRegistration) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

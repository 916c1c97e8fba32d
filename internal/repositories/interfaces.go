package repositories

import (
	"context"
	"time"

	"github.com/prudhvinik1/devicepair/internal/models"
)

type RegistrationRepository interface {
	// Create inserts an unlinked registration. Returns ErrCodeConflict if the
	// code is already taken.
	Create(ctx context.Context, reg *models.DeviceRegistration) error
	// Link atomically flips an unexpired, unlinked registration to linked.
	// Returns ErrNotFound (missing or expired) or ErrAlreadyLinked.
	Link(ctx context.Context, code, userID, userEmail string, now time.Time) (*models.DeviceRegistration, error)
	GetByCodeAndDevice(ctx context.Context, code, deviceID string) (*models.DeviceRegistration, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type TokenRepository interface {
	// Upsert stores the credential for token.DeviceID, replacing any existing
	// material for that device.
	Upsert(ctx context.Context, token *models.DeviceToken) error
	// Touch looks up a live token by hash and advances LastUsedAt in the same
	// statement. Returns ErrNotFound for unknown or expired hashes.
	Touch(ctx context.Context, tokenHash string, now time.Time) (*models.DeviceToken, error)
	// Rotate swaps oldHash for newHash on a live row in one atomic update.
	Rotate(ctx context.Context, oldHash, newHash string, expiresAt, now time.Time) (*models.DeviceToken, error)
	GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceToken, error)
	DeleteByHash(ctx context.Context, tokenHash string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session *models.WebSession) error
	GetByID(ctx context.Context, id string) (*models.WebSession, error)
	Delete(ctx context.Context, id string) error
}

package services

import (
	"context"
	"errors"
	"time"

	"github.com/prudhvinik1/devicepair/internal/models"
	"github.com/prudhvinik1/devicepair/internal/repositories"
	"github.com/prudhvinik1/devicepair/internal/utils"
)

type TokenService struct {
	tokens   repositories.TokenRepository
	tokenTTL time.Duration
	now      func() time.Time
}

func NewTokenService(tokens repositories.TokenRepository, tokenTTL time.Duration, now func() time.Time) *TokenService {
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		tokens:   tokens,
		tokenTTL: tokenTTL,
		now:      now,
	}
}

// Validate resolves a raw bearer token to its user context and records the
// use. Every rejection is ErrInvalidToken, whatever the reason.
func (s *TokenService) Validate(ctx context.Context, raw string) (*models.UserContext, error) {
	if !utils.WellFormedToken(raw) {
		return nil, ErrInvalidToken
	}

	token, err := s.tokens.Touch(ctx, utils.HashToken(raw), s.now())
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, storageError("validate token", err)
	}
	return token.UserContext(), nil
}

// Refresh rotates a live token: the stored row keeps its identity but gets a
// new hash and expiry in one atomic update.
func (s *TokenService) Refresh(ctx context.Context, raw string) (*IssuedToken, error) {
	if !utils.WellFormedToken(raw) {
		return nil, ErrInvalidToken
	}

	next, err := utils.GenerateToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	token, err := s.tokens.Rotate(ctx, utils.HashToken(raw), utils.HashToken(next), now.Add(s.tokenTTL), now)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, storageError("rotate token", err)
	}

	return &IssuedToken{
		Token:     next,
		ExpiresAt: token.ExpiresAt,
		DeviceID:  token.DeviceID,
		UserID:    token.UserID,
		UserEmail: token.UserEmail,
	}, nil
}

// Revoke deletes the credential behind raw (explicit logout).
func (s *TokenService) Revoke(ctx context.Context, raw string) error {
	if !utils.WellFormedToken(raw) {
		return ErrInvalidToken
	}

	err := s.tokens.DeleteByHash(ctx, utils.HashToken(raw))
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return storageError("revoke token", err)
	}
	return nil
}

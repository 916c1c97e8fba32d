package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/devicepair/internal/models"
	"github.com/prudhvinik1/devicepair/internal/repositories"
)

var ErrInvalidSession = errors.New("invalid web session")

// Identity is the verified human behind a web session.
type Identity struct {
	UserID    string
	UserEmail string
	SessionID string
}

// WebSessionService signs and verifies the browser session tokens the
// identity layer hands out. When a SessionRepository is configured a token is
// only accepted while its session still exists, so sign-out takes effect
// before the JWT expires.
type WebSessionService struct {
	sessionRepo repositories.SessionRepository
	jwtSecret   string
	jwtExpiry   time.Duration
	now         func() time.Time
}

func NewWebSessionService(sessionRepo repositories.SessionRepository, jwtSecret string, jwtExpiry time.Duration) *WebSessionService {
	return &WebSessionService{
		sessionRepo: sessionRepo,
		jwtSecret:   jwtSecret,
		jwtExpiry:   jwtExpiry,
		now:         time.Now,
	}
}

// Issue creates a session for an already-authenticated user and returns the
// signed token for it.
func (s *WebSessionService) Issue(ctx context.Context, userID, email string) (string, *models.WebSession, error) {
	now := s.now()
	session := &models.WebSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserEmail: email,
		ExpiresAt: now.Add(s.jwtExpiry),
		CreatedAt: now,
	}

	if s.sessionRepo != nil {
		if err := s.sessionRepo.Create(ctx, session); err != nil {
			return "", nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"jti":   session.ID,
		"exp":   session.ExpiresAt.Unix(),
		"iat":   now.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, session, nil
}

func (s *WebSessionService) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())

	if err != nil || !token.Valid {
		return nil, ErrInvalidSession
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidSession
	}

	userID, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	sessionID, _ := claims["jti"].(string)
	if userID == "" || sessionID == "" {
		return nil, ErrInvalidSession
	}

	if s.sessionRepo != nil {
		session, err := s.sessionRepo.GetByID(ctx, sessionID)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		if err != nil {
			return nil, storageError("get session", err)
		}
		if session.UserID != userID {
			return nil, ErrInvalidSession
		}
	}

	return &Identity{
		UserID:    userID,
		UserEmail: email,
		SessionID: sessionID,
	}, nil
}

// Revoke ends the session behind tokenString (web sign-out). Without a
// session store the token stays valid until it expires.
func (s *WebSessionService) Revoke(ctx context.Context, tokenString string) error {
	identity, err := s.Verify(ctx, tokenString)
	if err != nil {
		return err
	}
	if s.sessionRepo == nil {
		return nil
	}
	err = s.sessionRepo.Delete(ctx, identity.SessionID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrInvalidSession
	}
	if err != nil {
		return storageError("delete session", err)
	}
	return nil
}

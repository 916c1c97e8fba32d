package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prudhvinik1/devicepair/internal/models"
	"github.com/prudhvinik1/devicepair/internal/repositories"
	"github.com/prudhvinik1/devicepair/internal/utils"
)

const codeAttempts = 5

// Normalized pairing codes are short runs of letters and digits.
const codeRule = "required,alphanum,max=32"

type PairingConfig struct {
	RegistrationTTL time.Duration
	TokenTTL        time.Duration
	PollInterval    time.Duration
	PairingURL      string
	Now             func() time.Time
}

type PairingService struct {
	registrations repositories.RegistrationRepository
	tokens        repositories.TokenRepository
	cfg           PairingConfig
	validate      *validator.Validate
}

type Registration struct {
	DeviceID        string
	Code            string
	ExpiresAt       time.Time
	VerificationURL string
	Interval        time.Duration
}

type ExchangeRequest struct {
	DeviceID          string `validate:"required,max=64"`
	Code              string `validate:"required,max=32"`
	DeviceFingerprint string `validate:"omitempty,max=128"`
	DeviceName        string `validate:"omitempty,max=128"`
}

// IssuedToken carries a raw token back to the caller. It is the only place a
// raw token exists server-side and must not be logged.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
	DeviceID  string
	UserID    string
	UserEmail string
}

func NewPairingService(
	registrations repositories.RegistrationRepository,
	tokens repositories.TokenRepository,
	cfg PairingConfig,
) *PairingService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PairingService{
		registrations: registrations,
		tokens:        tokens,
		cfg:           cfg,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register mints a fresh unlinked registration for an unauthenticated device.
func (s *PairingService) Register(ctx context.Context, fingerprint string) (*Registration, error) {
	if err := s.validate.Var(fingerprint, "required,max=128"); err != nil {
		return nil, invalidRequest(err)
	}

	now := s.cfg.Now()
	reg := &models.DeviceRegistration{
		DeviceID:          uuid.NewString(),
		DeviceFingerprint: fingerprint,
		ExpiresAt:         now.Add(s.cfg.RegistrationTTL),
		CreatedAt:         now,
	}

	for attempt := 0; ; attempt++ {
		code, err := utils.GenerateCode()
		if err != nil {
			return nil, err
		}
		reg.Code = code

		err = s.registrations.Create(ctx, reg)
		if err == nil {
			break
		}
		if !errors.Is(err, repositories.ErrCodeConflict) {
			return nil, storageError("create registration", err)
		}
		if attempt+1 >= codeAttempts {
			return nil, fmt.Errorf("failed to allocate a unique pairing code: %w", err)
		}
	}

	return &Registration{
		DeviceID:        reg.DeviceID,
		Code:            reg.Code,
		ExpiresAt:       reg.ExpiresAt,
		VerificationURL: s.verificationURL(reg.Code),
		Interval:        s.cfg.PollInterval,
	}, nil
}

// Link binds a code to the authenticated web user. The first user to redeem
// a code owns it; expiry is left untouched.
func (s *PairingService) Link(ctx context.Context, code, userID, userEmail string) (string, error) {
	code = utils.NormalizeCode(code)
	if err := s.validate.Var(code, codeRule); err != nil {
		return "", invalidRequest(err)
	}
	if err := s.validate.Var(userID, "required"); err != nil {
		return "", invalidRequest(err)
	}

	reg, err := s.registrations.Link(ctx, code, userID, userEmail, s.cfg.Now())
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return "", ErrNotFound
	case errors.Is(err, repositories.ErrAlreadyLinked):
		return "", ErrAlreadyLinked
	case err != nil:
		return "", storageError("link registration", err)
	}
	return reg.DeviceID, nil
}

// Exchange turns a linked registration into a device token. Both deviceId
// and code must match. Exchanging the same registration again replaces the
// device's credential, so at most one minted token is live per registration.
func (s *PairingService) Exchange(ctx context.Context, req ExchangeRequest) (*IssuedToken, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	code := utils.NormalizeCode(req.Code)
	if err := s.validate.Var(code, codeRule); err != nil {
		return nil, invalidRequest(err)
	}

	reg, err := s.registrations.GetByCodeAndDevice(ctx, code, req.DeviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("get registration", err)
	}

	if req.DeviceFingerprint != "" && !utils.SecureEqual(req.DeviceFingerprint, reg.DeviceFingerprint) {
		return nil, ErrNotFound
	}

	now := s.cfg.Now()
	if reg.Expired(now) {
		return nil, ErrExpired
	}
	if !reg.Linked {
		return nil, ErrPending
	}

	raw, err := utils.GenerateToken()
	if err != nil {
		return nil, err
	}

	token := &models.DeviceToken{
		TokenHash:  utils.HashToken(raw),
		DeviceID:   reg.DeviceID,
		UserID:     reg.UserID,
		UserEmail:  reg.UserEmail,
		DeviceName: req.DeviceName,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.TokenTTL),
	}
	if err := s.tokens.Upsert(ctx, token); err != nil {
		return nil, storageError("store token", err)
	}

	return &IssuedToken{
		Token:     raw,
		ExpiresAt: token.ExpiresAt,
		DeviceID:  token.DeviceID,
		UserID:    token.UserID,
		UserEmail: token.UserEmail,
	}, nil
}

func (s *PairingService) verificationURL(code string) string {
	if s.cfg.PairingURL == "" {
		return ""
	}
	u, err := url.Parse(s.cfg.PairingURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}

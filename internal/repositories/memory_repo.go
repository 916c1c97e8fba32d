package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/devicepair/internal/models"
)

// MemoryStore is a single-process RegistrationRepository, TokenRepository
// and SessionRepository.
// A mutex gives it the same per-row atomicity the Postgres statements have;
// it exists for tests and has no cross-process sharing.
type MemoryStore struct {
	mu            sync.Mutex
	registrations map[string]*models.DeviceRegistration // by code
	tokens        map[string]*models.DeviceToken        // by device id
	sessions      map[string]*models.WebSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registrations: make(map[string]*models.DeviceRegistration),
		tokens:        make(map[string]*models.DeviceToken),
		sessions:      make(map[string]*models.WebSession),
	}
}

// Registrations returns the store as a RegistrationRepository.
func (s *MemoryStore) Registrations() RegistrationRepository { return memoryRegistrations{s} }

// Tokens returns the store as a TokenRepository.
func (s *MemoryStore) Tokens() TokenRepository { return memoryTokens{s} }

// Sessions returns the store as a SessionRepository. Sessions expire against
// the wall clock, like Redis keys do.
func (s *MemoryStore) Sessions() SessionRepository { return memorySessions{s} }

type memoryRegistrations struct{ s *MemoryStore }

func (m memoryRegistrations) Create(_ context.Context, reg *models.DeviceRegistration) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.registrations[reg.Code]; ok {
		return ErrCodeConflict
	}
	cp := *reg
	m.s.registrations[reg.Code] = &cp
	return nil
}

func (m memoryRegistrations) Link(_ context.Context, code, userID, userEmail string, now time.Time) (*models.DeviceRegistration, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	reg, ok := m.s.registrations[code]
	if !ok || reg.Expired(now) {
		return nil, ErrNotFound
	}
	if reg.Linked {
		return nil, ErrAlreadyLinked
	}

	linkedAt := now
	reg.Linked = true
	reg.UserID = userID
	reg.UserEmail = userEmail
	reg.LinkedAt = &linkedAt

	cp := *reg
	return &cp, nil
}

func (m memoryRegistrations) GetByCodeAndDevice(_ context.Context, code, deviceID string) (*models.DeviceRegistration, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	reg, ok := m.s.registrations[code]
	if !ok || reg.DeviceID != deviceID {
		return nil, ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (m memoryRegistrations) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var n int64
	for code, reg := range m.s.registrations {
		if reg.Expired(now) {
			delete(m.s.registrations, code)
			n++
		}
	}
	return n, nil
}

type memoryTokens struct{ s *MemoryStore }

func (m memoryTokens) Upsert(_ context.Context, token *models.DeviceToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	id := uuid.New()
	if existing, ok := m.s.tokens[token.DeviceID]; ok {
		id = existing.ID
	}
	token.ID = id
	token.LastUsedAt = token.IssuedAt
	token.RotatedAt = nil

	cp := *token
	m.s.tokens[token.DeviceID] = &cp
	return nil
}

func (m memoryTokens) Touch(_ context.Context, tokenHash string, now time.Time) (*models.DeviceToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	token := m.s.findLive(tokenHash, now)
	if token == nil {
		return nil, ErrNotFound
	}
	if now.After(token.LastUsedAt) {
		token.LastUsedAt = now
	}
	cp := *token
	return &cp, nil
}

func (m memoryTokens) Rotate(_ context.Context, oldHash, newHash string, expiresAt, now time.Time) (*models.DeviceToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	token := m.s.findLive(oldHash, now)
	if token == nil {
		return nil, ErrNotFound
	}
	rotatedAt := now
	token.TokenHash = newHash
	token.ExpiresAt = expiresAt
	token.RotatedAt = &rotatedAt
	if now.After(token.LastUsedAt) {
		token.LastUsedAt = now
	}
	cp := *token
	return &cp, nil
}

func (m memoryTokens) GetByDeviceID(_ context.Context, deviceID string) (*models.DeviceToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	token, ok := m.s.tokens[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *token
	return &cp, nil
}

func (m memoryTokens) DeleteByHash(_ context.Context, tokenHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for deviceID, token := range m.s.tokens {
		if token.TokenHash == tokenHash {
			delete(m.s.tokens, deviceID)
			return nil
		}
	}
	return ErrNotFound
}

func (m memoryTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var n int64
	for deviceID, token := range m.s.tokens {
		if token.Expired(now) {
			delete(m.s.tokens, deviceID)
			n++
		}
	}
	return n, nil
}

// findLive must be called with mu held.
func (s *MemoryStore) findLive(tokenHash string, now time.Time) *models.DeviceToken {
	for _, token := range s.tokens {
		if token.TokenHash == tokenHash && !token.Expired(now) {
			return token
		}
	}
	return nil
}

type memorySessions struct{ s *MemoryStore }

func (m memorySessions) Create(_ context.Context, session *models.WebSession) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	cp := *session
	m.s.sessions[session.ID] = &cp
	return nil
}

func (m memorySessions) GetByID(_ context.Context, id string) (*models.WebSession, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	session, ok := m.s.sessions[id]
	if !ok || !time.Now().Before(session.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (m memorySessions) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.sessions, id)
	return nil
}

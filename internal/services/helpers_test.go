package services

import (
	"sync"
	"testing"
	"time"

	"github.com/prudhvinik1/devicepair/internal/repositories"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store   *repositories.MemoryStore
	clock   *testClock
	pairing *PairingService
	tokens  *TokenService
}

const (
	testRegistrationTTL = 10 * time.Minute
	testTokenTTL        = 24 * time.Hour
	testFingerprint     = "3f1c0d4b8a0e2f5d6c7b8a9e0f1d2c3b4a5e6f7d8c9b0a1e2f3d4c5b6a7e8f90"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repositories.NewMemoryStore()
	clock := newTestClock()
	return &testEnv{
		store: store,
		clock: clock,
		pairing: NewPairingService(store.Registrations(), store.Tokens(), PairingConfig{
			RegistrationTTL: testRegistrationTTL,
			TokenTTL:        testTokenTTL,
			PollInterval:    2 * time.Second,
			PairingURL:      "https://app.example.com/pair",
			Now:             clock.Now,
		}),
		tokens: NewTokenService(store.Tokens(), testTokenTTL, clock.Now),
	}
}

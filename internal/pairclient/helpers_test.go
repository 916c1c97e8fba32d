package pairclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prudhvinik1/devicepair/internal/handlers"
	"github.com/prudhvinik1/devicepair/internal/logs"
	"github.com/prudhvinik1/devicepair/internal/repositories"
	"github.com/prudhvinik1/devicepair/internal/services"
	"github.com/stretchr/testify/require"
)

// fakeClock never blocks: Sleep just moves time forward.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(n int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	n := len(c.sleeps)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// pairingServer runs the real HTTP handlers over an in-memory store, sharing
// the test's clock.
type pairingServer struct {
	*httptest.Server
	pairing *services.PairingService
	tokens  *services.TokenService
}

func newPairingServer(t *testing.T, clock *fakeClock, tokenTTL time.Duration) *pairingServer {
	t.Helper()

	store := repositories.NewMemoryStore()
	pairing := services.NewPairingService(store.Registrations(), store.Tokens(), services.PairingConfig{
		RegistrationTTL: 10 * time.Minute,
		TokenTTL:        tokenTTL,
		PollInterval:    2 * time.Second,
		PairingURL:      "https://app.example.com/pair",
		Now:             clock.Now,
	})
	tokens := services.NewTokenService(store.Tokens(), tokenTTL, clock.Now)
	h := handlers.New(pairing, tokens, services.NewWebSessionService(nil, "test-secret", time.Hour), nil, logs.Discard())

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &pairingServer{Server: srv, pairing: pairing, tokens: tokens}
}

func newTestClient(t *testing.T, baseURL string, clock Clock, storage Storage) *Client {
	t.Helper()
	if storage == nil {
		storage = NewMemoryStorage()
	}
	c, err := New(Options{
		BaseURL:        baseURL,
		ClientVersion:  "4.2.1",
		DeviceName:     "test agent",
		Storage:        storage,
		RequestTimeout: 2 * time.Second,
		RefreshMargin:  10 * time.Minute,
		Clock:          clock,
		Logger:         logs.Discard(),
	})
	require.NoError(t, err)
	return c
}

var errDiskGone = errors.New("disk gone")

type failingStorage struct{}

func (failingStorage) Load(string) ([]byte, error) { return nil, errDiskGone }
func (failingStorage) Save(string, []byte) error   { return errDiskGone }
func (failingStorage) Delete(string) error         { return errDiskGone }

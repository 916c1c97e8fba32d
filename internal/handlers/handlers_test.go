package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prudhvinik1/devicepair/internal/logs"
	"github.com/prudhvinik1/devicepair/internal/ratelimit"
	"github.com/prudhvinik1/devicepair/internal/repositories"
	"github.com/prudhvinik1/devicepair/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "9b2f4c1e7a3d5b8c0e6f2a4d1c3b5e7f9a0c2e4b6d8f1a3c5e7b9d0f2a4c6e8b"

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

type testServer struct {
	*httptest.Server
	clock    *testClock
	store    *repositories.MemoryStore
	sessions *services.WebSessionService
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter, opts ...Option) *testServer {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := repositories.NewMemoryStore()
	pairing := services.NewPairingService(store.Registrations(), store.Tokens(), services.PairingConfig{
		RegistrationTTL: 10 * time.Minute,
		TokenTTL:        24 * time.Hour,
		PollInterval:    2 * time.Second,
		PairingURL:      "https://app.example.com/pair",
		Now:             clock.Now,
	})
	tokens := services.NewTokenService(store.Tokens(), 24*time.Hour, clock.Now)
	sessions := services.NewWebSessionService(store.Sessions(), "test-secret", time.Hour)

	h := New(pairing, tokens, sessions, limiter, logs.Discard(), opts...)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, clock: clock, store: store, sessions: sessions}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()

	header := http.Header{}
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	return s.doWithHeader(t, method, path, header, body)
}

// doWithHeader sends body as JSON unless header already names a content type.
func (s *testServer) doWithHeader(t *testing.T, method, path string, header http.Header, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		req.Header[key] = values
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) webSession(t *testing.T, userID, email string) string {
	t.Helper()
	token, _, err := s.sessions.Issue(context.Background(), userID, email)
	require.NoError(t, err)
	return token
}

func (s *testServer) register(t *testing.T) registerResponse {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/api/devices/register", "", registerRequest{DeviceFingerprint: testFingerprint})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	var reg registerResponse
	require.NoError(t, json.Unmarshal(data, &reg))
	return reg
}

func (s *testServer) pair(t *testing.T) tokenResponse {
	t.Helper()
	reg := s.register(t)

	resp, data := s.do(t, http.MethodPost, "/api/devices/link", s.webSession(t, "user-1", "user1@example.com"), linkRequest{Code: reg.Code})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = s.do(t, http.MethodPost, "/api/devices/exchange", "", exchangeRequest{
		DeviceID:          reg.DeviceID,
		Code:              reg.Code,
		DeviceFingerprint: testFingerprint,
		DeviceName:        "Chrome on Linux",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var issued tokenResponse
	require.NoError(t, json.Unmarshal(data, &issued))
	return issued
}

func errorMessage(t *testing.T, data []byte) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Error
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, data := srv.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(data))
}

func TestRegister(t *testing.T) {
	srv := newTestServer(t, nil)

	reg := srv.register(t)

	assert.NotEmpty(t, reg.DeviceID)
	assert.Len(t, reg.Code, 10)
	assert.Equal(t, 2, reg.Interval)
	assert.Equal(t, "https://app.example.com/pair?code="+reg.Code, reg.VerificationURL)
	assert.Equal(t, srv.clock.Now().Add(10*time.Minute), reg.ExpiresAt.UTC())
}

func TestRegister_IntervalRoundsUp(t *testing.T) {
	store := repositories.NewMemoryStore()
	pairing := services.NewPairingService(store.Registrations(), store.Tokens(), services.PairingConfig{
		RegistrationTTL: time.Minute,
		TokenTTL:        time.Hour,
		PollInterval:    1500 * time.Millisecond,
	})
	h := New(pairing, nil, nil, nil, logs.Discard())

	req := httptest.NewRequest(http.MethodPost, "/api/devices/register", strings.NewReader(`{"deviceFingerprint":"`+testFingerprint+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reg registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.Equal(t, 2, reg.Interval)
}

func TestRegister_BadBody(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, data := srv.do(t, http.MethodPost, "/api/devices/register", "", map[string]any{"unexpected": true})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request", errorMessage(t, data))
}

func TestRegister_ValidatesFingerprint(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name        string
		fingerprint string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("a", 129)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := srv.do(t, http.MethodPost, "/api/devices/register", "", registerRequest{DeviceFingerprint: tt.fingerprint})

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid request", errorMessage(t, data))
		})
	}
}

func TestExchange_ValidatesBody(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		req  exchangeRequest
	}{
		{"missing device", exchangeRequest{Code: "ABCDEFGHJK"}},
		{"missing code", exchangeRequest{DeviceID: "d"}},
		{"long code", exchangeRequest{DeviceID: "d", Code: strings.Repeat("A", 33)}},
		{"long name", exchangeRequest{DeviceID: "d", Code: "ABCDEFGHJK", DeviceName: strings.Repeat("n", 129)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := srv.do(t, http.MethodPost, "/api/devices/exchange", "", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestLink_RequiresWebSession(t *testing.T) {
	srv := newTestServer(t, nil)
	reg := srv.register(t)

	resp, _ := srv.do(t, http.MethodPost, "/api/devices/link", "", linkRequest{Code: reg.Code})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/api/devices/link", "not-a-jwt", linkRequest{Code: reg.Code})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLink_SessionCookie(t *testing.T) {
	srv := newTestServer(t, nil)
	reg := srv.register(t)

	data, err := json.Marshal(linkRequest{Code: reg.Code})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/devices/link", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: srv.webSession(t, "user-1", "user1@example.com")})

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body linkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, reg.DeviceID, body.DeviceID)
}

func TestLink_RejectsNonJSONBody(t *testing.T) {
	srv := newTestServer(t, nil)
	reg := srv.register(t)
	session := srv.webSession(t, "user-1", "user1@example.com")

	for _, contentType := range []string{"text/plain", "application/x-www-form-urlencoded", "multipart/form-data; boundary=x"} {
		// ARRANGE: what a cross-site form post carries, cookie only
		header := http.Header{}
		header.Set("Content-Type", contentType)
		header.Set("Cookie", sessionCookieName+"="+session)

		// ACT
		resp, data := srv.doWithHeader(t, http.MethodPost, "/api/devices/link", header, linkRequest{Code: reg.Code})

		// ASSERT
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode, contentType)
		assert.Equal(t, "unsupported media type", errorMessage(t, data))
	}

	// the registration was never linked
	resp, _ := srv.do(t, http.MethodPost, "/api/devices/exchange", "", exchangeRequest{DeviceID: reg.DeviceID, Code: reg.Code})
	assert.Equal(t, http.StatusTooEarly, resp.StatusCode)
}

func TestLink_Errors(t *testing.T) {
	srv := newTestServer(t, nil)
	session := srv.webSession(t, "user-1", "user1@example.com")
	reg := srv.register(t)

	resp, _ := srv.do(t, http.MethodPost, "/api/devices/link", session, linkRequest{Code: reg.Code})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := srv.do(t, http.MethodPost, "/api/devices/link", session, linkRequest{Code: reg.Code})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "pairing code already used", errorMessage(t, data))

	resp, _ = srv.do(t, http.MethodPost, "/api/devices/link", session, linkRequest{Code: "ZZZZZZZZZZ"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/api/devices/link", session, linkRequest{Code: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExchange_States(t *testing.T) {
	srv := newTestServer(t, nil)
	reg := srv.register(t)
	req := exchangeRequest{DeviceID: reg.DeviceID, Code: reg.Code, DeviceFingerprint: testFingerprint}

	// ACT: before link
	resp, data := srv.do(t, http.MethodPost, "/api/devices/exchange", "", req)
	assert.Equal(t, http.StatusTooEarly, resp.StatusCode)
	assert.Equal(t, "not yet linked", errorMessage(t, data))

	// ACT: wrong device
	wrong := req
	wrong.DeviceID = "someone-else"
	resp, _ = srv.do(t, http.MethodPost, "/api/devices/exchange", "", wrong)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// ACT: after expiry
	srv.clock.Advance(11 * time.Minute)
	resp, _ = srv.do(t, http.MethodPost, "/api/devices/exchange", "", req)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestPairingRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)

	issued := srv.pair(t)

	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, "user-1", issued.UserID)
	assert.Equal(t, "user1@example.com", issued.UserEmail)

	resp, data := srv.do(t, http.MethodGet, "/api/me", issued.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me map[string]any
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "user-1", me["userId"])
	assert.Equal(t, "user1@example.com", me["userEmail"])
	assert.Equal(t, issued.DeviceID, me["deviceId"])
	assert.Equal(t, "Chrome on Linux", me["deviceName"])
}

func TestMe_Unauthorized(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := srv.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data := srv.do(t, http.MethodGet, "/api/me", "dpt_nope", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorMessage(t, data))
}

func TestRefresh(t *testing.T) {
	srv := newTestServer(t, nil)
	issued := srv.pair(t)
	srv.clock.Advance(time.Hour)

	resp, data := srv.do(t, http.MethodPost, "/api/devices/refresh", issued.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var rotated tokenResponse
	require.NoError(t, json.Unmarshal(data, &rotated))
	assert.NotEqual(t, issued.Token, rotated.Token)
	assert.Equal(t, srv.clock.Now().Add(24*time.Hour), rotated.ExpiresAt.UTC())

	resp, _ = srv.do(t, http.MethodGet, "/api/me", issued.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/api/me", rotated.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogout(t *testing.T) {
	srv := newTestServer(t, nil)
	issued := srv.pair(t)

	resp, _ := srv.do(t, http.MethodPost, "/api/devices/logout", issued.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/api/me", issued.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedMount(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := repositories.NewMemoryStore()
	tokens := services.NewTokenService(store.Tokens(), time.Hour, clock.Now)
	pairing := services.NewPairingService(store.Registrations(), store.Tokens(), services.PairingConfig{
		RegistrationTTL: time.Minute,
		TokenTTL:        time.Hour,
		Now:             clock.Now,
	})
	h := New(pairing, tokens, services.NewWebSessionService(nil, "s", time.Hour), nil, logs.Discard())

	router := h.Router(func(r chi.Router) {
		r.Get("/notes", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"owner": UserFromContext(r.Context()).UserID})
		})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notes", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, ratelimit.NewLocalLimiter(2, time.Minute))

	for i := 0; i < 2; i++ {
		resp, _ := srv.do(t, http.MethodPost, "/api/devices/register", "", registerRequest{DeviceFingerprint: testFingerprint})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, data := srv.do(t, http.MethodPost, "/api/devices/register", "", registerRequest{DeviceFingerprint: testFingerprint})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "too many requests", errorMessage(t, data))

	// exchange has its own bucket
	resp, _ = srv.do(t, http.MethodPost, "/api/devices/exchange", "", exchangeRequest{DeviceID: "d", Code: "ABCDEFGHJK"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit_IgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	srv := newTestServer(t, ratelimit.NewLocalLimiter(2, time.Minute))

	var statuses []int
	for i := 0; i < 5; i++ {
		header := http.Header{}
		header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i+1))

		resp, _ := srv.doWithHeader(t, http.MethodPost, "/api/devices/register", header, registerRequest{DeviceFingerprint: testFingerprint})
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{
		http.StatusCreated,
		http.StatusCreated,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, statuses)
}

func TestRateLimit_TrustedProxyForwardsClientIP(t *testing.T) {
	srv := newTestServer(t, ratelimit.NewLocalLimiter(1, time.Minute),
		WithTrustedProxies([]netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}))

	register := func(xff string) int {
		header := http.Header{}
		header.Set("X-Forwarded-For", xff)
		resp, _ := srv.doWithHeader(t, http.MethodPost, "/api/devices/register", header, registerRequest{DeviceFingerprint: testFingerprint})
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, register("203.0.113.1"))
	assert.Equal(t, http.StatusCreated, register("203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, register("203.0.113.1"))

	// a spoofed leftmost hop does not change the bucket
	assert.Equal(t, http.StatusTooManyRequests, register("10.9.9.9, 203.0.113.2"))
}

func TestClientIP(t *testing.T) {
	h := New(nil, nil, nil, nil, logs.Discard(), WithTrustedProxies([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
	}))

	tests := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{"untrusted peer", "192.0.2.7:5000", "203.0.113.1", "", "192.0.2.7"},
		{"trusted peer", "10.0.0.2:5000", "203.0.113.1", "", "203.0.113.1"},
		{"proxy chain", "10.0.0.2:5000", "198.51.100.9, 203.0.113.1, 10.0.0.3", "", "203.0.113.1"},
		{"real ip header", "10.0.0.2:5000", "", "203.0.113.5", "203.0.113.5"},
		{"garbage header", "10.0.0.2:5000", "not-an-ip", "", "10.0.0.2"},
		{"all hops trusted", "10.0.0.2:5000", "10.0.0.4", "", "10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, h.clientIP(r))
		})
	}
}

func TestSessionLogout(t *testing.T) {
	srv := newTestServer(t, nil)
	session := srv.webSession(t, "user-1", "user1@example.com")
	other := srv.webSession(t, "user-1", "user1@example.com")
	reg := srv.register(t)

	// ACT
	header := http.Header{}
	header.Set("Cookie", sessionCookieName+"="+session)
	resp, _ := srv.doWithHeader(t, http.MethodPost, "/api/session/logout", header, nil)

	// ASSERT
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	var cleared *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			cleared = c
		}
	}
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)

	resp, _ = srv.do(t, http.MethodPost, "/api/devices/link", session, linkRequest{Code: reg.Code})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = srv.doWithHeader(t, http.MethodPost, "/api/session/logout", header, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// other sessions of the same user survive
	resp, _ = srv.do(t, http.MethodPost, "/api/devices/link", other, linkRequest{Code: reg.Code})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer dpt_abc", "dpt_abc"},
		{"bearer dpt_abc", "dpt_abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(r), tt.header)
	}
}

package pairclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prudhvinik1/devicepair/internal/logs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSource         = "extension"
	DefaultRequestTimeout = 10 * time.Second
	DefaultRefreshMargin  = 10 * time.Minute
	DefaultPollInterval   = 2 * time.Second
	DefaultMaxWait        = 10 * time.Minute

	maxBackoff      = 30 * time.Second
	refreshAttempts = 3
	refreshBackoff  = time.Second
)

// Options configures a Client. Only BaseURL is required.
type Options struct {
	BaseURL string
	// PairingURL overrides the verification URL the server hands out.
	PairingURL     string
	Source         string
	ClientVersion  string
	DeviceName     string
	Storage        Storage
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	RefreshMargin  time.Duration
	Clock          Clock
	Logger         logrus.FieldLogger
}

type Registration struct {
	DeviceID        string    `json:"deviceId"`
	Code            string    `json:"code"`
	ExpiresAt       time.Time `json:"expiresAt"`
	VerificationURL string    `json:"verificationUrl,omitempty"`
	// Interval is the server's suggested poll interval in seconds.
	Interval int `json:"interval"`
}

type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	DeviceID  string    `json:"deviceId"`
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail"`
}

type PollOutcome int

const (
	PollPaired PollOutcome = iota
	PollNotPaired
	PollExpired
)

func (o PollOutcome) String() string {
	switch o {
	case PollPaired:
		return "paired"
	case PollNotPaired:
		return "not paired"
	case PollExpired:
		return "expired"
	}
	return "unknown"
}

type PollOptions struct {
	Interval time.Duration
	MaxWait  time.Duration
}

type PollResult struct {
	Outcome  PollOutcome
	Token    *Token
	Attempts int
}

type Status int

const (
	StatusUnpaired Status = iota
	StatusPending
	StatusPaired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPaired:
		return "paired"
	}
	return "unpaired"
}

// State is a snapshot of the client's local pairing state.
type State struct {
	Status    Status
	DeviceID  string
	Code      string
	UserID    string
	UserEmail string
	ExpiresAt time.Time
}

// Client drives a headless device through registration, the human hand-off,
// exchange polling and authorized requests with transparent refresh.
type Client struct {
	opts    Options
	api     *apiClient
	storage Storage
	fp      *Fingerprinter
	clock   Clock
	log     logrus.FieldLogger

	refreshGroup singleflight.Group

	mu        sync.Mutex
	listeners map[int]func(State)
	nextID    int
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logs.Discard()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	return &Client{
		opts: opts,
		api: &apiClient{
			baseURL: opts.BaseURL,
			http:    opts.HTTPClient,
			timeout: opts.RequestTimeout,
		},
		storage:   opts.Storage,
		fp:        NewFingerprinter(opts.Storage, opts.ClientVersion),
		clock:     opts.Clock,
		log:       opts.Logger,
		listeners: make(map[int]func(State)),
	}, nil
}

// RegisterDevice asks the server for a fresh pairing code and remembers it
// so an interrupted pairing can be resumed.
func (c *Client) RegisterDevice(ctx context.Context) (*Registration, error) {
	fingerprint, err := c.fp.Fingerprint()
	if err != nil {
		return nil, err
	}

	reg, err := c.api.register(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if err := c.saveJSON(registrationKey, reg); err != nil {
		return nil, err
	}

	c.log.WithField("device_id", reg.DeviceID).Info("device registered")
	c.notify()
	return reg, nil
}

// PendingRegistration returns the stored registration if it has not expired.
func (c *Client) PendingRegistration() (*Registration, error) {
	var reg Registration
	ok, err := c.loadJSON(registrationKey, &reg)
	if err != nil || !ok {
		return nil, err
	}
	if !c.clock.Now().Before(reg.ExpiresAt) {
		return nil, nil
	}
	return &reg, nil
}

// PairingURL is the page the human opens to approve this device.
func (c *Client) PairingURL(reg *Registration) (string, error) {
	base := c.opts.PairingURL
	if base == "" {
		base = reg.VerificationURL
	}
	if base == "" {
		return "", errors.New("no pairing URL configured")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid pairing URL: %w", err)
	}
	q := u.Query()
	q.Set("code", reg.Code)
	q.Set("source", c.opts.Source)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PollExchangeUntilLinked polls the exchange endpoint until the human links
// the code, the code dies, or MaxWait runs out. Running out of time is a
// PollNotPaired result, not an error.
func (c *Client) PollExchangeUntilLinked(ctx context.Context, deviceID, code string, opts PollOptions) (*PollResult, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	fingerprint, err := c.fp.Fingerprint()
	if err != nil {
		return nil, err
	}

	req := exchangeRequest{
		DeviceID:          deviceID,
		Code:              code,
		DeviceFingerprint: fingerprint,
		DeviceName:        c.opts.DeviceName,
	}
	log := c.log.WithField("device_id", deviceID)
	deadline := c.clock.Now().Add(maxWait)
	failures := 0

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tok, err := c.api.exchange(ctx, req)
		var wait time.Duration
		switch {
		case err == nil:
			if err := c.saveJSON(tokenKey, tok); err != nil {
				return nil, err
			}
			if err := c.deleteKey(registrationKey); err != nil {
				log.WithError(err).Warn("failed to clear registration")
			}
			log.WithField("attempts", attempt).Info("device paired")
			c.notify()
			return &PollResult{Outcome: PollPaired, Token: tok, Attempts: attempt}, nil
		case errors.Is(err, ErrPending):
			failures = 0
			wait = interval
		case errors.Is(err, ErrExpired), errors.Is(err, ErrNotFound):
			if err := c.deleteKey(registrationKey); err != nil {
				log.WithError(err).Warn("failed to clear registration")
			}
			c.notify()
			return &PollResult{Outcome: PollExpired, Attempts: attempt}, err
		case IsTransient(err):
			wait = backoff(interval, failures)
			failures++
			log.WithError(err).WithField("retry_in", wait.String()).Warn("exchange failed, backing off")
		default:
			return nil, err
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			log.WithField("attempts", attempt).Info("gave up waiting for pairing")
			return &PollResult{Outcome: PollNotPaired, Attempts: attempt}, nil
		}
		if wait > remaining {
			wait = remaining
		}
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// AuthorizedFetch sends a request with the device token, refreshing it
// first when it is within RefreshMargin of expiry. Without a usable token it
// returns ErrNotAuthenticated and sends nothing.
func (c *Client) AuthorizedFetch(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	tok, err := c.usableToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.api.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.api.http.Do(req)
}

func (c *Client) usableToken(ctx context.Context) (*Token, error) {
	tok, err := c.loadToken()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrNotAuthenticated
	}

	now := c.clock.Now()
	if tok.ExpiresAt.Sub(now) > c.opts.RefreshMargin {
		return tok, nil
	}

	refreshed, err := c.refresh(ctx, tok)
	switch {
	case err == nil:
		return refreshed, nil
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrNotAuthenticated):
		return nil, ErrNotAuthenticated
	case IsTransient(err) && now.Before(tok.ExpiresAt):
		c.log.WithError(err).Warn("token refresh failed, using current token")
		return tok, nil
	}
	return nil, err
}

// Refresh rotates the stored token now, whatever its remaining lifetime.
func (c *Client) Refresh(ctx context.Context) (*Token, error) {
	tok, err := c.loadToken()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrNotAuthenticated
	}
	return c.refresh(ctx, tok)
}

// refresh coalesces concurrent rotations of the same device's token. Storage
// is re-read inside the flight: a caller holding a token that someone else
// already rotated gets the new one instead of a second rotation.
func (c *Client) refresh(ctx context.Context, stale *Token) (*Token, error) {
	v, err, shared := c.refreshGroup.Do(stale.DeviceID, func() (any, error) {
		current, err := c.loadToken()
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrNotAuthenticated
		}
		if current.Token != stale.Token {
			return current, nil
		}
		return c.rotate(context.WithoutCancel(ctx), current)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.WithField("device_id", stale.DeviceID).Debug("joined in-flight token refresh")
	}
	return v.(*Token), nil
}

func (c *Client) rotate(ctx context.Context, current *Token) (*Token, error) {
	log := c.log.WithField("device_id", current.DeviceID)

	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			if err := c.clock.Sleep(ctx, backoff(refreshBackoff, attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := c.api.refresh(ctx, current.Token)
		if err == nil {
			next := *current
			next.Token = resp.Token
			next.ExpiresAt = resp.ExpiresAt
			if err := c.saveRotated(ctx, &next); err != nil {
				// the server already retired the old token
				log.WithError(err).Error("refreshed device token could not be saved, pair this device again")
				return nil, err
			}
			log.Info("device token refreshed")
			c.notify()
			return &next, nil
		}
		if errors.Is(err, ErrInvalidToken) {
			log.Warn("device token rejected, clearing it")
			if err := c.deleteKey(tokenKey); err != nil {
				log.WithError(err).Warn("failed to clear token")
			}
			c.notify()
			return nil, ErrInvalidToken
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// saveRotated persists a freshly rotated token, retrying once since the
// previous token is no longer usable.
func (c *Client) saveRotated(ctx context.Context, next *Token) error {
	err := c.saveJSON(tokenKey, next)
	if err == nil {
		return nil
	}
	c.log.WithError(err).Warn("failed to save refreshed token, retrying")
	if sleepErr := c.clock.Sleep(ctx, refreshBackoff); sleepErr != nil {
		return err
	}
	return c.saveJSON(tokenKey, next)
}

// Logout revokes the token on the server and clears it locally. The local
// copy is cleared even when the server could not be reached; that failure is
// still returned.
func (c *Client) Logout(ctx context.Context) error {
	tok, err := c.loadToken()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}

	serverErr := c.api.logout(ctx, tok.Token)
	if errors.Is(serverErr, ErrInvalidToken) {
		serverErr = nil
	}
	if err := c.ClearToken(); err != nil {
		return err
	}
	if serverErr != nil {
		return fmt.Errorf("failed to revoke token on server: %w", serverErr)
	}
	return nil
}

func (c *Client) ClearToken() error {
	if err := c.deleteKey(tokenKey); err != nil {
		return err
	}
	c.notify()
	return nil
}

// ClearAll forgets everything, including the install id, so the next
// registration presents as a new device.
func (c *Client) ClearAll() error {
	for _, key := range []string{tokenKey, registrationKey, installIDKey} {
		if err := c.deleteKey(key); err != nil {
			return err
		}
	}
	c.notify()
	return nil
}

func (c *Client) State() (State, error) {
	now := c.clock.Now()

	tok, err := c.loadToken()
	if err != nil {
		return State{}, err
	}
	if tok != nil && now.Before(tok.ExpiresAt) {
		return State{
			Status:    StatusPaired,
			DeviceID:  tok.DeviceID,
			UserID:    tok.UserID,
			UserEmail: tok.UserEmail,
			ExpiresAt: tok.ExpiresAt,
		}, nil
	}

	reg, err := c.PendingRegistration()
	if err != nil {
		return State{}, err
	}
	if reg != nil {
		return State{
			Status:    StatusPending,
			DeviceID:  reg.DeviceID,
			Code:      reg.Code,
			ExpiresAt: reg.ExpiresAt,
		}, nil
	}
	return State{Status: StatusUnpaired}, nil
}

// Subscribe registers fn to be called with the new state after every
// change. The returned func removes it.
func (c *Client) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) notify() {
	c.mu.Lock()
	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	if len(listeners) == 0 {
		return
	}

	state, err := c.State()
	if err != nil {
		c.log.WithError(err).Warn("failed to read state for listeners")
		return
	}
	for _, fn := range listeners {
		fn(state)
	}
}

func (c *Client) loadToken() (*Token, error) {
	var tok Token
	ok, err := c.loadJSON(tokenKey, &tok)
	if err != nil || !ok {
		return nil, err
	}
	return &tok, nil
}

func (c *Client) loadJSON(key string, v any) (bool, error) {
	data, err := c.storage.Load(key)
	if errors.Is(err, ErrNoValue) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to load %s: %v", ErrStorageUnavailable, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// unreadable state is as good as none
		c.log.WithError(err).WithField("key", key).Warn("discarding corrupt local state")
		return false, nil
	}
	return true, nil
}

func (c *Client) saveJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := c.storage.Save(key, data); err != nil {
		return fmt.Errorf("%w: failed to save %s: %v", ErrStorageUnavailable, key, err)
	}
	return nil
}

func (c *Client) deleteKey(key string) error {
	if err := c.storage.Delete(key); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %v", ErrStorageUnavailable, key, err)
	}
	return nil
}

// backoff is base doubled n times, capped at maxBackoff.
func backoff(base time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

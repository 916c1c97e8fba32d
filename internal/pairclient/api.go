package pairclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type apiClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

type registerRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint"`
}

type exchangeRequest struct {
	DeviceID          string `json:"deviceId"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	DeviceName        string `json:"deviceName,omitempty"`
}

type refreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *apiClient) url(path string) string {
	return strings.TrimRight(a.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (a *apiClient) register(ctx context.Context, fingerprint string) (*Registration, error) {
	var reg Registration
	if err := a.do(ctx, "register", http.MethodPost, "/api/devices/register", "", registerRequest{DeviceFingerprint: fingerprint}, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (a *apiClient) exchange(ctx context.Context, req exchangeRequest) (*Token, error) {
	var tok Token
	if err := a.do(ctx, "exchange", http.MethodPost, "/api/devices/exchange", "", req, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (a *apiClient) refresh(ctx context.Context, token string) (*refreshResponse, error) {
	var resp refreshResponse
	if err := a.do(ctx, "refresh", http.MethodPost, "/api/devices/refresh", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *apiClient) logout(ctx context.Context, token string) error {
	return a.do(ctx, "logout", http.MethodPost, "/api/devices/logout", token, nil, nil)
}

// do sends one JSON request bounded by the request timeout and maps the
// answer onto the client's error taxonomy.
func (a *apiClient) do(parent context.Context, op, method, path, bearer string, in, out any) error {
	ctx, cancel := context.WithTimeout(parent, a.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.url(path), body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		// the caller's own cancellation is not a transient failure
		if parent.Err() != nil {
			return parent.Err()
		}
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return nil
	case resp.StatusCode == http.StatusTooEarly:
		return ErrPending
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusGone:
		return ErrExpired
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrInvalidToken
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &TransientError{Op: op, StatusCode: resp.StatusCode}
	}

	var apiErr errorResponse
	json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&apiErr)
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: apiErr.Error}
}

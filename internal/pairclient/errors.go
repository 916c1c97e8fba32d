package pairclient

import (
	"errors"
	"fmt"
)

var (
	ErrPending            = errors.New("pairing not yet linked")
	ErrNotFound           = errors.New("pairing code not found")
	ErrExpired            = errors.New("pairing code expired")
	ErrInvalidToken       = errors.New("device token rejected")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// TransientError is a failure worth retrying: timeouts, network errors,
// 5xx and 429 answers.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is an unexpected, non-retryable answer from the server.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
}

package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotFound           = errors.New("registration not found")
	ErrExpired            = errors.New("registration expired")
	ErrAlreadyLinked      = errors.New("registration already linked")
	ErrPending            = errors.New("registration not yet linked")
	ErrInvalidToken       = errors.New("invalid token")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

func storageError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", ErrStorageUnavailable, op, err)
}

func invalidRequest(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

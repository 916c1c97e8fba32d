package database

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// withRetry runs fn up to attempts times, doubling the pause after each
// failure. It returns the last error.
func withRetry(ctx context.Context, log logrus.FieldLogger, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		log.WithError(err).WithField("attempt", attempt).Warn("connection failed, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}

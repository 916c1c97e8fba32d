package services

import (
	"context"
	"time"

	"github.com/prudhvinik1/devicepair/internal/repositories"
	"github.com/sirupsen/logrus"
)

// Sweeper garbage-collects expired registrations and tokens.
type Sweeper struct {
	registrations repositories.RegistrationRepository
	tokens        repositories.TokenRepository
	interval      time.Duration
	now           func() time.Time
	log           logrus.FieldLogger
}

func NewSweeper(
	registrations repositories.RegistrationRepository,
	tokens repositories.TokenRepository,
	interval time.Duration,
	log logrus.FieldLogger,
) *Sweeper {
	return &Sweeper{
		registrations: registrations,
		tokens:        tokens,
		interval:      interval,
		now:           time.Now,
		log:           log,
	}
}

// Run sweeps once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.SweepOnce(ctx); err != nil {
				s.log.WithError(err).Warn("expiry sweep failed")
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (registrations, tokens int64, err error) {
	now := s.now()

	registrations, err = s.registrations.DeleteExpired(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	tokens, err = s.tokens.DeleteExpired(ctx, now)
	if err != nil {
		return registrations, 0, err
	}

	if registrations > 0 || tokens > 0 {
		s.log.WithFields(logrus.Fields{
			"registrations": registrations,
			"tokens":        tokens,
		}).Info("swept expired pairing records")
	}
	return registrations, tokens, nil
}

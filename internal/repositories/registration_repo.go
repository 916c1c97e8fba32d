package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/devicepair/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyLinked = errors.New("registration already linked")
	ErrCodeConflict  = errors.New("pairing code already in use")
)

const pgUniqueViolation = "23505"

const registrationColumns = `device_id, code, device_fingerprint, linked,
	COALESCE(user_id, ''), COALESCE(user_email, ''), linked_at, expires_at, created_at`

type PostgresRegistrationRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistrationRepository(pool *pgxpool.Pool) *PostgresRegistrationRepository {
	return &PostgresRegistrationRepository{pool: pool}
}

func (r *PostgresRegistrationRepository) Create(ctx context.Context, reg *models.DeviceRegistration) error {
	query := `INSERT INTO device_registrations (device_id, code, device_fingerprint, expires_at, created_at)
	          VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, query,
		reg.DeviceID,
		reg.Code,
		reg.DeviceFingerprint,
		reg.ExpiresAt,
		reg.CreatedAt,
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrCodeConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create registration: %w", err)
	}
	return nil
}

// Link is a compare-and-swap on linked: the WHERE clause only matches an
// unlinked, unexpired row, so two concurrent links cannot both succeed.
func (r *PostgresRegistrationRepository) Link(ctx context.Context, code, userID, userEmail string, now time.Time) (*models.DeviceRegistration, error) {
	query := `UPDATE device_registrations
	          SET linked = TRUE, user_id = $2, user_email = $3, linked_at = $4
	          WHERE code = $1 AND linked = FALSE AND expires_at > $4
	          RETURNING ` + registrationColumns

	reg, err := scanRegistration(r.pool.QueryRow(ctx, query, code, userID, userEmail, now))
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to link registration: %w", err)
	}

	// Nothing updated: work out why.
	var linked bool
	var expiresAt time.Time
	err = r.pool.QueryRow(ctx,
		`SELECT linked, expires_at FROM device_registrations WHERE code = $1`, code,
	).Scan(&linked, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	if !now.Before(expiresAt) {
		return nil, ErrNotFound
	}
	return nil, ErrAlreadyLinked
}

func (r *PostgresRegistrationRepository) GetByCodeAndDevice(ctx context.Context, code, deviceID string) (*models.DeviceRegistration, error) {
	query := `SELECT ` + registrationColumns + `
	          FROM device_registrations
	          WHERE code = $1 AND device_id = $2`

	reg, err := scanRegistration(r.pool.QueryRow(ctx, query, code, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return reg, nil
}

func (r *PostgresRegistrationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM device_registrations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired registrations: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanRegistration(row pgx.Row) (*models.DeviceRegistration, error) {
	var reg models.DeviceRegistration
	err := row.Scan(
		&reg.DeviceID,
		&reg.Code,
		&reg.DeviceFingerprint,
		&reg.Linked,
		&reg.UserID,
		&reg.UserEmail,
		&reg.LinkedAt,
		&reg.ExpiresAt,
		&reg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/devicepair/internal/models"
)

const tokenColumns = `id, token_hash, device_id, user_id, user_email, device_name,
	issued_at, expires_at, last_used_at, rotated_at`

type PostgresTokenRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresTokenRepository(pool *pgxpool.Pool) *PostgresTokenRepository {
	return &PostgresTokenRepository{pool: pool}
}

// Upsert inserts the credential for a device, or replaces the material of the
// existing row when the same registration is exchanged again.
func (r *PostgresTokenRepository) Upsert(ctx context.Context, token *models.DeviceToken) error {
	query := `INSERT INTO device_tokens (token_hash, device_id, user_id, user_email, device_name,
	                                     issued_at, expires_at, last_used_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $6)
	          ON CONFLICT (device_id) DO UPDATE
	          SET token_hash = EXCLUDED.token_hash,
	              user_id = EXCLUDED.user_id,
	              user_email = EXCLUDED.user_email,
	              device_name = EXCLUDED.device_name,
	              issued_at = EXCLUDED.issued_at,
	              expires_at = EXCLUDED.expires_at,
	              last_used_at = EXCLUDED.last_used_at,
	              rotated_at = NULL
	          RETURNING id, last_used_at`

	err := r.pool.QueryRow(ctx, query,
		token.TokenHash,
		token.DeviceID,
		token.UserID,
		token.UserEmail,
		token.DeviceName,
		token.IssuedAt,
		token.ExpiresAt,
	).Scan(&token.ID, &token.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	token.RotatedAt = nil
	return nil
}

// Touch validates and records use in one statement. GREATEST keeps
// last_used_at monotonic when touches race.
func (r *PostgresTokenRepository) Touch(ctx context.Context, tokenHash string, now time.Time) (*models.DeviceToken, error) {
	query := `UPDATE device_tokens
	          SET last_used_at = GREATEST(last_used_at, $2)
	          WHERE token_hash = $1 AND expires_at > $2
	          RETURNING ` + tokenColumns

	token, err := scanToken(r.pool.QueryRow(ctx, query, tokenHash, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to touch token: %w", err)
	}
	return token, nil
}

// Rotate replaces the hash in place. The row lock taken by UPDATE serialises
// it against concurrent touches, and the old hash stops matching the moment
// the statement commits.
func (r *PostgresTokenRepository) Rotate(ctx context.Context, oldHash, newHash string, expiresAt, now time.Time) (*models.DeviceToken, error) {
	query := `UPDATE device_tokens
	          SET token_hash = $2,
	              expires_at = $3,
	              last_used_at = GREATEST(last_used_at, $4),
	              rotated_at = $4
	          WHERE token_hash = $1 AND expires_at > $4
	          RETURNING ` + tokenColumns

	token, err := scanToken(r.pool.QueryRow(ctx, query, oldHash, newHash, expiresAt, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate token: %w", err)
	}
	return token, nil
}

func (r *PostgresTokenRepository) GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM device_tokens WHERE device_id = $1`

	token, err := scanToken(r.pool.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return token, nil
}

func (r *PostgresTokenRepository) DeleteByHash(ctx context.Context, tokenHash string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM device_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM device_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanToken(row pgx.Row) (*models.DeviceToken, error) {
	var token models.DeviceToken
	err := row.Scan(
		&token.ID,
		&token.TokenHash,
		&token.DeviceID,
		&token.UserID,
		&token.UserEmail,
		&token.DeviceName,
		&token.IssuedAt,
		&token.ExpiresAt,
		&token.LastUsedAt,
		&token.RotatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

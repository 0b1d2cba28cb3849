// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/auth"
)

// PasswordResetRepository implements auth.PasswordResetRepository using PostgreSQL.
type PasswordResetRepository struct {
	pool Pool
}

// NewPasswordResetRepository creates a new PasswordResetRepository.
func NewPasswordResetRepository(pool Pool) *PasswordResetRepository {
	return &PasswordResetRepository{pool: pool}
}

// Replace stores reset as the only outstanding token for its email.
func (r *PasswordResetRepository) Replace(ctx context.Context, reset *auth.PasswordReset) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO password_resets (email, id, token_hash, expires_at, consumed_at, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5)
		ON CONFLICT (email) DO UPDATE SET
			id = EXCLUDED.id,
			token_hash = EXCLUDED.token_hash,
			expires_at = EXCLUDED.expires_at,
			consumed_at = NULL,
			created_at = EXCLUDED.created_at
	`,
		auth.NormalizeEmail(reset.Email),
		reset.ID.String(),
		reset.TokenHash,
		reset.ExpiresAt,
		reset.CreatedAt,
	)
	if err != nil {
		return oops.Code("RESET_REPLACE_FAILED").
			With("operation", "upsert password reset").
			With("email", reset.Email).
			Wrap(err)
	}
	return nil
}

// Consume locks the reset row, checks it, then sets the password and marks
// the reset consumed in one transaction.
func (r *PasswordResetRepository) Consume(ctx context.Context, c auth.ResetConsumption) (ulid.ULID, error) {
	email := auth.NormalizeEmail(c.Email)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ulid.ULID{}, oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx, `
		SELECT id, email, token_hash, expires_at, consumed_at, created_at
		FROM password_resets
		WHERE email = $1
		FOR UPDATE
	`, email)
	reset, err := scanReset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, oops.Code("RESET_REJECTED").Wrap(auth.ErrInvalidToken)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "lock password reset").
			Wrap(err)
	}
	if !reset.Usable(email, c.Token, c.At) {
		return ulid.ULID{}, oops.Code("RESET_REJECTED").Wrap(auth.ErrInvalidToken)
	}

	var idStr string
	err = tx.QueryRow(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3
		WHERE LOWER(email) = $1
		RETURNING id
	`, email, c.PasswordHash, c.At).Scan(&idStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, oops.Code("RESET_REJECTED").With("reason", "no user").Wrap(auth.ErrInvalidToken)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "update password").
			Wrap(err)
	}

	if _, err := tx.Exec(ctx, `UPDATE password_resets SET consumed_at = $2 WHERE email = $1`, email, c.At); err != nil {
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "mark reset consumed").
			Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ulid.ULID{}, oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}

	userID, err := ulid.Parse(idStr)
	if err != nil {
		return ulid.ULID{}, oops.Code("USER_CORRUPT_ID").With("id", idStr).Wrap(err)
	}
	return userID, nil
}

// DeleteExpired removes resets that expired at or before the given time.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM password_resets WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, oops.Code("RESET_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired resets").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

func scanReset(row pgx.Row) (*auth.PasswordReset, error) {
	var (
		reset auth.PasswordReset
		idStr string
	)
	if err := row.Scan(&idStr, &reset.Email, &reset.TokenHash, &reset.ExpiresAt, &reset.ConsumedAt, &reset.CreatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with operation context
	}
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("RESET_CORRUPT_ID").With("id", idStr).Wrap(err)
	}
	reset.ID = id
	return &reset, nil
}

var _ auth.PasswordResetRepository = (*PasswordResetRepository)(nil)

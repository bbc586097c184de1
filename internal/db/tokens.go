package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
)

// TokenRepository stores one OAuth credential per account.
type TokenRepository struct {
	pool *pgxpool.Pool
}

// Load retrieves the token for an account.
func (r *TokenRepository) Load(ctx context.Context, accountID string) (*TokenRecord, error) {
	query := `
		SELECT account_id, access_token, refresh_token, token_type, expiry, invalid, updated_at
		FROM oauth_tokens
		WHERE account_id = $1
	`
	var rec TokenRecord
	err := r.pool.QueryRow(ctx, query, accountID).Scan(
		&rec.AccountID,
		&rec.AccessToken,
		&rec.RefreshToken,
		&rec.TokenType,
		&rec.Expiry,
		&rec.Invalid,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	return &rec, nil
}

// Save stores a token and clears the invalid flag.
func (r *TokenRepository) Save(ctx context.Context, rec *TokenRecord) error {
	query := `
		INSERT INTO oauth_tokens (account_id, access_token, refresh_token, token_type, expiry, invalid, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			invalid = FALSE,
			updated_at = NOW()
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		rec.AccountID,
		rec.AccessToken,
		rec.RefreshToken,
		rec.TokenType,
		rec.Expiry,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return apperr.Persistence("saving token", err)
	}
	rec.Invalid = false
	return nil
}

// MarkInvalid flags the stored token as rejected by the identity provider.
func (r *TokenRepository) MarkInvalid(ctx context.Context, accountID string) error {
	query := `UPDATE oauth_tokens SET invalid = TRUE, updated_at = NOW() WHERE account_id = $1`
	result, err := r.pool.Exec(ctx, query, accountID)
	if err != nil {
		return apperr.Persistence("marking token invalid", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountRepository handles account database operations.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// Get retrieves an account by ID.
func (r *AccountRepository) Get(ctx context.Context, id string) (*Account, error) {
	query := `
		SELECT id, display_name, created_at, updated_at, last_sync_at
		FROM accounts
		WHERE id = $1
	`
	var account Account
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&account.ID,
		&account.DisplayName,
		&account.CreatedAt,
		&account.UpdatedAt,
		&account.LastSyncAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return &account, nil
}

// List returns every account, oldest first.
func (r *AccountRepository) List(ctx context.Context) ([]Account, error) {
	query := `
		SELECT id, display_name, created_at, updated_at, last_sync_at
		FROM accounts
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var account Account
		if err := rows.Scan(
			&account.ID,
			&account.DisplayName,
			&account.CreatedAt,
			&account.UpdatedAt,
			&account.LastSyncAt,
		); err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// Upsert creates or updates an account.
func (r *AccountRepository) Upsert(ctx context.Context, account *Account) error {
	query := `
		INSERT INTO accounts (id, display_name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			updated_at = NOW()
		RETURNING created_at, updated_at, last_sync_at
	`
	err := r.pool.QueryRow(ctx, query, account.ID, account.DisplayName).
		Scan(&account.CreatedAt, &account.UpdatedAt, &account.LastSyncAt)
	if err != nil {
		return fmt.Errorf("upserting account: %w", err)
	}
	return nil
}

// UpdateLastSync updates the last sync timestamp for an account.
func (r *AccountRepository) UpdateLastSync(ctx context.Context, id string, syncTime time.Time) error {
	query := `
		UPDATE accounts
		SET last_sync_at = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, syncTime)
	if err != nil {
		return fmt.Errorf("updating last sync: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

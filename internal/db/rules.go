package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
)

// RuleRepository handles per-account allow/deny rules.
type RuleRepository struct {
	pool *pgxpool.Pool
}

// Set creates or replaces a rule.
func (r *RuleRepository) Set(ctx context.Context, rule TrackRule) error {
	query := `
		INSERT INTO track_rules (account_id, track_id, rule, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id, track_id) DO UPDATE SET rule = EXCLUDED.rule
	`
	if _, err := r.pool.Exec(ctx, query, rule.AccountID, rule.TrackID, string(rule.Rule)); err != nil {
		return apperr.Persistence("setting track rule", err)
	}
	return nil
}

// Delete removes a rule.
func (r *RuleRepository) Delete(ctx context.Context, accountID, trackID string) error {
	query := `DELETE FROM track_rules WHERE account_id = $1 AND track_id = $2`
	if _, err := r.pool.Exec(ctx, query, accountID, trackID); err != nil {
		return apperr.Persistence("deleting track rule", err)
	}
	return nil
}

// ForTracks returns the account's rules for the given tracks, keyed by track id.
func (r *RuleRepository) ForTracks(ctx context.Context, accountID string, trackIDs []string) (map[string]Rule, error) {
	rules := make(map[string]Rule)
	if accountID == "" || len(trackIDs) == 0 {
		return rules, nil
	}
	query := `SELECT track_id, rule FROM track_rules WHERE account_id = $1 AND track_id = ANY($2)`
	rows, err := r.pool.Query(ctx, query, accountID, trackIDs)
	if err != nil {
		return nil, fmt.Errorf("querying track rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var trackID, rule string
		if err := rows.Scan(&trackID, &rule); err != nil {
			return nil, fmt.Errorf("scanning track rule: %w", err)
		}
		rules[trackID] = Rule(rule)
	}
	return rules, rows.Err()
}

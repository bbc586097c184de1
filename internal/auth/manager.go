package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/retry"
)

// DefaultMargin is how long before expiry a token is refreshed.
const DefaultMargin = 60 * time.Second

// ErrNoToken is returned when an account has no stored token.
var ErrNoToken = errors.New("no token stored")

// TokenStore persists one token per account. Both db.TokenRepository and
// FileStore implement it.
type TokenStore interface {
	Load(ctx context.Context, accountID string) (*db.TokenRecord, error)
	Save(ctx context.Context, rec *db.TokenRecord) error
	MarkInvalid(ctx context.Context, accountID string) error
}

// State is where an account's credential sits in its lifecycle.
type State string

const (
	StateValid      State = "valid"
	StateExpiring   State = "expiring"
	StateRefreshing State = "refreshing"
	StateInvalid    State = "invalid"
)

// Manager hands out valid access tokens, refreshing at most once at a time per account.
type Manager struct {
	store     TokenStore
	refresher Refresher
	margin    time.Duration
	policy    retry.Policy
	now       func() time.Time
	logger    *log.Logger

	group      singleflight.Group
	mu         sync.Mutex
	refreshing map[string]bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMargin sets how long before expiry a token counts as expiring.
func WithMargin(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.margin = d
	}
}

// WithRetryPolicy sets the retry policy for refresh calls.
func WithRetryPolicy(p retry.Policy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager.
func NewManager(store TokenStore, refresher Refresher, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		refresher:  refresher,
		margin:     DefaultMargin,
		policy:     retry.Default(),
		now:        time.Now,
		logger:     log.Default(),
		refreshing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureValid returns a token for accountID that is good for at least the
// margin. Concurrent callers for the same account share one refresh; each
// caller stops waiting when its own ctx is done without cancelling the refresh.
func (m *Manager) EnsureValid(ctx context.Context, accountID string) (*oauth2.Token, error) {
	rec, err := m.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.Invalid {
		return nil, reauth(accountID)
	}
	if m.fresh(rec) {
		return toOAuth(rec), nil
	}

	ch := m.group.DoChan(accountID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), accountID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		token := *res.Val.(*oauth2.Token)
		return &token, nil
	}
}

// State reports the credential state of accountID.
func (m *Manager) State(ctx context.Context, accountID string) (State, error) {
	m.mu.Lock()
	busy := m.refreshing[accountID]
	m.mu.Unlock()
	if busy {
		return StateRefreshing, nil
	}

	rec, err := m.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	switch {
	case rec.Invalid:
		return StateInvalid, nil
	case m.fresh(rec):
		return StateValid, nil
	default:
		return StateExpiring, nil
	}
}

func (m *Manager) refresh(ctx context.Context, accountID string) (*oauth2.Token, error) {
	m.setRefreshing(accountID, true)
	defer m.setRefreshing(accountID, false)

	// A flight that finished just before this one may already have refreshed.
	rec, err := m.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.Invalid {
		return nil, reauth(accountID)
	}
	if m.fresh(rec) {
		return toOAuth(rec), nil
	}
	if rec.RefreshToken == "" {
		return nil, reauth(accountID)
	}

	token, err := retry.DoValue(ctx, m.policy, func(ctx context.Context) (*oauth2.Token, error) {
		return m.refresher.Refresh(ctx, rec.RefreshToken)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			if markErr := m.store.MarkInvalid(ctx, accountID); markErr != nil {
				m.logger.Error("failed to mark token invalid", "account_id", accountID, "err", markErr)
			}
			m.logger.Warn("refresh token rejected", "account_id", accountID)
			return nil, apperr.Auth("refreshing token", errors.Join(apperr.ErrReauthRequired, err))
		}
		return nil, fmt.Errorf("refreshing token for %s: %w", accountID, err)
	}

	if token.RefreshToken == "" {
		token.RefreshToken = rec.RefreshToken
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = rec.TokenType
	}
	updated := &db.TokenRecord{
		AccountID:    accountID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		Expiry:       token.Expiry,
	}
	if err := m.store.Save(ctx, updated); err != nil {
		// The new access token is still usable for this run.
		m.logger.Error("failed to persist refreshed token", "account_id", accountID, "err", err)
	}
	m.logger.Debug("refreshed token", "account_id", accountID, "expiry", token.Expiry)
	return toOAuth(updated), nil
}

func (m *Manager) load(ctx context.Context, accountID string) (*db.TokenRecord, error) {
	rec, err := m.store.Load(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, ErrNoToken) {
		return nil, apperr.Auth("loading token", errors.Join(ErrNoToken, apperr.ErrReauthRequired))
	}
	if err != nil {
		return nil, fmt.Errorf("loading token for %s: %w", accountID, err)
	}
	return rec, nil
}

// fresh reports whether rec is good for longer than the margin. A zero
// expiry never expires.
func (m *Manager) fresh(rec *db.TokenRecord) bool {
	if rec.AccessToken == "" {
		return false
	}
	if rec.Expiry.IsZero() {
		return true
	}
	return rec.Expiry.Sub(m.now()) > m.margin
}

func (m *Manager) setRefreshing(accountID string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.refreshing[accountID] = true
	} else {
		delete(m.refreshing, accountID)
	}
}

func reauth(accountID string) error {
	return apperr.Auth("token for "+accountID, apperr.ErrReauthRequired)
}

func toOAuth(rec *db.TokenRecord) *oauth2.Token {
	tokenType := rec.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    tokenType,
		Expiry:       rec.Expiry,
	}
}

// TokenSource adapts the manager to oauth2.TokenSource for one account.
func TokenSource(ctx context.Context, m *Manager, accountID string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &managerSource{ctx: ctx, manager: m, accountID: accountID})
}

type managerSource struct {
	ctx       context.Context
	manager   *Manager
	accountID string
}

func (s *managerSource) Token() (*oauth2.Token, error) {
	return s.manager.EnsureValid(s.ctx, s.accountID)
}

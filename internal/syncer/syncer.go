// Package syncer mirrors an account's remote playlists into PostgreSQL.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/logging"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/retry"
)

// Common errors.
var (
	// ErrSyncTooRecent is returned when sync is attempted within the cooldown period.
	ErrSyncTooRecent = errors.New("sync attempted too recently")
)

const (
	// DefaultSyncCooldown is the default time between allowed syncs of one account.
	DefaultSyncCooldown = 5 * time.Minute

	// DefaultConcurrency is how many playlists of one account are fetched at once.
	DefaultConcurrency = 4
)

// PlaylistStore is the playlist persistence the syncer needs.
// A playlist may be followed by several accounts; ListForAccount returns
// the ones this account follows while Get sees every stored playlist.
type PlaylistStore interface {
	Get(ctx context.Context, id string) (*db.Playlist, error)
	ListForAccount(ctx context.Context, accountID string) ([]db.Playlist, error)
	Associations(ctx context.Context, playlistID string) ([]db.Association, error)
	ApplyPlaylistDiff(ctx context.Context, diff db.PlaylistDiff) error
	UpdateSnapshot(ctx context.Context, playlistID, snapshot string, syncedAt time.Time) error
	Unlink(ctx context.Context, accountID, playlistID string) (bool, error)
}

// AccountStore tracks when each account last synced.
type AccountStore interface {
	Get(ctx context.Context, id string) (*db.Account, error)
	UpdateLastSync(ctx context.Context, id string, syncTime time.Time) error
}

// Status is the outcome of syncing one playlist.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusSynced    Status = "synced"
	StatusFailed    Status = "failed"
	StatusRemoved   Status = "removed"
)

// PlaylistResult reports what happened to one playlist.
type PlaylistResult struct {
	PlaylistID string
	Name       string
	Status     Status
	Added      int
	Removed    int
	Reordered  int
	Skipped    int
	Err        error

	addedIDs []string
}

// SyncResult contains the result of a sync operation.
type SyncResult struct {
	AccountID string
	Playlists []PlaylistResult
	// AddedTrackIDs are tracks newly associated with any playlist, deduplicated.
	AddedTrackIDs []string
	SyncedAt      time.Time
}

// ChangedPlaylists returns the ids of playlists whose stored state changed.
func (r *SyncResult) ChangedPlaylists() []string {
	var ids []string
	for _, p := range r.Playlists {
		if p.Status == StatusSynced || p.Status == StatusRemoved {
			ids = append(ids, p.PlaylistID)
		}
	}
	return ids
}

// Failed returns the number of playlists that failed to sync.
func (r *SyncResult) Failed() int {
	n := 0
	for _, p := range r.Playlists {
		if p.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Syncer handles syncing playlists from the catalog to the database.
type Syncer struct {
	catalog      Catalog
	playlists    PlaylistStore
	accounts     AccountStore
	syncCooldown time.Duration
	concurrency  int
	policy       retry.Policy
	now          func() time.Time
	logger       *log.Logger

	locks         keyedMutex
	playlistLocks keyedMutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithSyncCooldown sets the minimum time between syncs.
func WithSyncCooldown(d time.Duration) Option {
	return func(s *Syncer) {
		s.syncCooldown = d
	}
}

// WithConcurrency sets how many playlists are synced at once per account.
func WithConcurrency(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithRetryPolicy sets the retry policy for catalog page fetches.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Syncer) {
		s.policy = p
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Syncer) {
		s.logger = logging.Component(l, "syncer")
	}
}

// New creates a new Syncer.
func New(catalog Catalog, playlists PlaylistStore, accounts AccountStore, opts ...Option) *Syncer {
	s := &Syncer{
		catalog:      catalog,
		playlists:    playlists,
		accounts:     accounts,
		syncCooldown: DefaultSyncCooldown,
		concurrency:  DefaultConcurrency,
		policy:       retry.Default(),
		now:          time.Now,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanSync checks if enough time has passed since the last sync.
// Returns true if sync is allowed, false otherwise.
// Also returns the time when the next sync will be available.
func (s *Syncer) CanSync(ctx context.Context, accountID string) (bool, time.Time, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return true, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("getting account: %w", err)
	}

	if account.LastSyncAt == nil {
		return true, time.Time{}, nil
	}

	nextSyncTime := account.LastSyncAt.Add(s.syncCooldown)
	if s.now().Before(nextSyncTime) {
		return false, nextSyncTime, nil
	}

	return true, time.Time{}, nil
}

// Sync fetches the account's playlists and merges every changed one into the
// database. Syncs of the same account are serialized; different accounts run
// concurrently. A failing playlist does not stop the others, but an Auth
// error aborts the whole run. The aborted run still returns the playlists
// that finished, alongside the error.
// Returns ErrSyncTooRecent if called within the cooldown period.
// Set force=true to bypass the cooldown check.
func (s *Syncer) Sync(ctx context.Context, accountID string, force bool) (*SyncResult, error) {
	unlock := s.locks.lock(accountID)
	defer unlock()

	if !force {
		canSync, nextTime, err := s.CanSync(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !canSync {
			return nil, fmt.Errorf("%w: next sync available at %s", ErrSyncTooRecent, nextTime.Format(time.RFC3339))
		}
	}

	remote, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) ([]RemotePlaylist, error) {
		return allPlaylists(ctx, s.catalog, accountID)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching playlists: %w", err)
	}

	stored, err := s.playlists.ListForAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing stored playlists: %w", err)
	}
	followed := make(map[string]bool, len(stored))
	for _, p := range stored {
		followed[p.ID] = true
	}

	results := make([]PlaylistResult, len(remote))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, rp := range remote {
		g.Go(func() error {
			results[i] = s.syncPlaylist(gctx, accountID, rp, followed[rp.ID])
			if apperr.Is(results[i].Err, apperr.KindAuth) {
				return results[i].Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var finished []PlaylistResult
		for _, r := range results {
			if r.PlaylistID != "" {
				finished = append(finished, r)
			}
		}
		partial := &SyncResult{
			AccountID:     accountID,
			Playlists:     finished,
			AddedTrackIDs: addedTrackIDs(finished),
			SyncedAt:      s.now(),
		}
		s.logger.Warn("sync aborted",
			"account", accountID,
			"finished", len(finished),
			"added_tracks", len(partial.AddedTrackIDs),
			"err", err)
		return partial, fmt.Errorf("syncing account %s: %w", accountID, err)
	}

	remoteIDs := make(map[string]bool, len(remote))
	for _, rp := range remote {
		remoteIDs[rp.ID] = true
	}
	for _, p := range stored {
		if remoteIDs[p.ID] {
			continue
		}
		result := PlaylistResult{PlaylistID: p.ID, Name: p.DisplayName, Status: StatusRemoved}
		if _, err := s.playlists.Unlink(ctx, accountID, p.ID); err != nil {
			result.Status = StatusFailed
			result.Err = fmt.Errorf("removing playlist: %w", err)
		}
		results = append(results, result)
	}

	syncTime := s.now()
	if err := s.accounts.UpdateLastSync(ctx, accountID, syncTime); err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("updating last sync: %w", err)
	}

	result := &SyncResult{
		AccountID:     accountID,
		Playlists:     results,
		AddedTrackIDs: addedTrackIDs(results),
		SyncedAt:      syncTime,
	}
	s.logger.Info("sync finished",
		"account", accountID,
		"playlists", len(results),
		"changed", len(result.ChangedPlaylists()),
		"failed", result.Failed(),
		"added_tracks", len(result.AddedTrackIDs))
	return result, nil
}

// syncPlaylist brings one playlist in line with the remote listing. The
// snapshot token advances only after the diff commits. The stored state is
// shared by every account following the playlist, so the diff is always
// taken against it, under a per-playlist lock.
func (s *Syncer) syncPlaylist(ctx context.Context, accountID string, remote RemotePlaylist, followed bool) PlaylistResult {
	result := PlaylistResult{PlaylistID: remote.ID, Name: remote.Name}
	fail := func(op string, err error) PlaylistResult {
		result.Status = StatusFailed
		result.Err = fmt.Errorf("%s: %w", op, err)
		s.logger.Warn("playlist sync failed", "playlist", remote.ID, "op", op, "err", err)
		return result
	}

	unlock := s.playlistLocks.lock(remote.ID)
	defer unlock()

	stored, err := s.playlists.Get(ctx, remote.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fail("loading playlist", err)
	}

	if stored != nil && remote.SnapshotToken != "" && stored.SnapshotToken == remote.SnapshotToken {
		result.Status = StatusUnchanged
		if followed {
			return result
		}
		// Already current through another account; only record membership.
		err := s.playlists.ApplyPlaylistDiff(ctx, db.PlaylistDiff{
			AccountID: accountID,
			Playlist:  playlistRow(accountID, remote),
		})
		if err != nil {
			return fail("linking playlist", err)
		}
		return result
	}

	tracks, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) ([]RemoteTrack, error) {
		return allTracks(ctx, s.catalog, accountID, remote.ID)
	})
	if err != nil {
		return fail("fetching tracks", err)
	}

	current, err := s.playlists.Associations(ctx, remote.ID)
	if err != nil {
		return fail("loading associations", err)
	}

	diff := ComputeDiff(remote.ID, tracks, current)
	if diff.Skipped > 0 {
		s.logger.Debug("skipped playlist entries", "playlist", remote.ID, "skipped", diff.Skipped)
	}

	upserts := make([]db.Association, 0, len(diff.Added)+len(diff.Reordered))
	upserts = append(upserts, diff.Added...)
	upserts = append(upserts, diff.Reordered...)
	err = s.playlists.ApplyPlaylistDiff(ctx, db.PlaylistDiff{
		AccountID: accountID,
		Playlist:  playlistRow(accountID, remote),
		Tracks:    diff.Tracks,
		Upserts:   upserts,
		Removed:   diff.Removed,
	})
	if err != nil {
		return fail("applying diff", err)
	}

	if err := s.playlists.UpdateSnapshot(ctx, remote.ID, remote.SnapshotToken, s.now()); err != nil {
		return fail("updating snapshot", err)
	}

	// A new snapshot with the same entries still refreshes metadata, but
	// only a first import counts as a change.
	result.Status = StatusSynced
	if stored != nil && diff.Empty() {
		result.Status = StatusUnchanged
	}
	result.Added = len(diff.Added)
	result.Removed = len(diff.Removed)
	result.Reordered = len(diff.Reordered)
	result.Skipped = diff.Skipped
	result.addedIDs = diff.AddedTrackIDs()
	return result
}

func addedTrackIDs(results []PlaylistResult) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range results {
		for _, id := range r.addedIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func playlistRow(accountID string, remote RemotePlaylist) db.Playlist {
	return db.Playlist{
		ID:             remote.ID,
		OwnerAccountID: accountID,
		DisplayName:    remote.Name,
		TrackCount:     remote.TrackCount,
	}
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

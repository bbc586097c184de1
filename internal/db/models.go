package db

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a Spotify user whose library is synced.
type Account struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastSyncAt  *time.Time // nullable
}

// TokenRecord is the stored OAuth credential for an account.
type TokenRecord struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Invalid      bool
	UpdatedAt    time.Time
}

// Track represents a Spotify track. ID is the Spotify track id.
type Track struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	DurationMs int
	Lyrics     *string // nullable
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Playlist represents a Spotify playlist owned by or followed by an account.
type Playlist struct {
	ID             string
	OwnerAccountID string
	DisplayName    string
	SnapshotToken  string
	TrackCount     int
	LastSyncedAt   *time.Time // nullable
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Association is a track's membership and 0-indexed position in a playlist.
type Association struct {
	PlaylistID string
	TrackID    string
	Position   int
	AddedAt    *time.Time // nullable
	AddedBy    string
}

// PlaylistDiff is the set of writes needed to bring a stored playlist in
// line with the remote listing. It is applied in a single transaction.
type PlaylistDiff struct {
	// AccountID is the syncing account; its membership is recorded with the
	// diff. Defaults to Playlist.OwnerAccountID.
	AccountID string
	Playlist  Playlist
	// Tracks are upserted before associations so foreign keys hold.
	Tracks []Track
	// Upserts holds added and reordered associations.
	Upserts []Association
	// Removed holds track ids whose association is deleted.
	Removed []string
}

// AnalysisStatus is the lifecycle state of one analysis attempt.
type AnalysisStatus string

const (
	AnalysisPending   AnalysisStatus = "pending"
	AnalysisCompleted AnalysisStatus = "completed"
	AnalysisFailed    AnalysisStatus = "failed"
)

// Analysis is one attempt at scoring a track. The latest record per track
// (max created_at) is authoritative.
type Analysis struct {
	ID            uuid.UUID
	TrackID       string
	Status        AnalysisStatus
	Score         *int // nullable until completed
	ConcernLevel  string
	Themes        []string
	Concerns      []string
	ScriptureRefs []string
	Explanation   string
	ErrorMessage  string
	RetryCount    int
	Source        string // "scorer" or "rule"
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// LyricsEntry is a cached lyrics lookup. Empty Lyrics marks a negative result.
type LyricsEntry struct {
	Key       string
	Lyrics    string
	Source    string
	CreatedAt time.Time
}

// Negative reports whether the entry records a failed lookup.
func (e LyricsEntry) Negative() bool {
	return e.Lyrics == ""
}

// Rule is an explicit per-account decision about a track.
type Rule string

const (
	RuleAllow Rule = "allow"
	RuleDeny  Rule = "deny"
)

// TrackRule pins the outcome of a track for one account.
type TrackRule struct {
	AccountID string
	TrackID   string
	Rule      Rule
}

// ScopeKind selects which tracks a status query covers.
type ScopeKind string

const (
	ScopeAccount  ScopeKind = "account"
	ScopePlaylist ScopeKind = "playlist"
)

// StatusCounts are analysis counts over the latest record per track in a scope.
type StatusCounts struct {
	Total      int
	Completed  int
	Failed     int
	InProgress int // pending and younger than the stale cutoff
}

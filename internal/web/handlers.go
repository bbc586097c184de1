package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/auth"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/pipeline"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/progress"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/spotify"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/syncer"
)

const stateCookieName = "oauth_state"

// Service is the pipeline surface the handlers call.
type Service interface {
	Sync(ctx context.Context, accountID string, force bool) (*pipeline.SyncReport, error)
	Analyze(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.AnalyzeReport, error)
	GetAnalysisStatus(ctx context.Context, scope progress.Scope) (progress.Status, error)
}

// LoginFlow runs the OAuth authorization code flow.
type LoginFlow interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, state string, r *http.Request) (*oauth2.Token, error)
	Client(ctx context.Context, token *oauth2.Token) *http.Client
}

// AccountStore records accounts that completed login.
type AccountStore interface {
	Upsert(ctx context.Context, account *db.Account) error
}

// TokenSaver persists the credential obtained at login.
type TokenSaver interface {
	Save(ctx context.Context, rec *db.TokenRecord) error
}

// ProfileFunc looks up the signed-in user with an authorized client.
type ProfileFunc func(ctx context.Context, client *http.Client) (*spotify.Profile, error)

// HandlersConfig wires the handlers to their collaborators.
type HandlersConfig struct {
	Service  Service
	Login    LoginFlow
	Accounts AccountStore
	Tokens   TokenSaver
	Jobs     *JobStore
	// Profile defaults to a Spotify /me lookup.
	Profile ProfileFunc
	Logger  *log.Logger
}

// Handlers contains HTTP handlers for the JSON API.
type Handlers struct {
	service  Service
	login    LoginFlow
	accounts AccountStore
	tokens   TokenSaver
	jobs     *JobStore
	profile  ProfileFunc
	logger   *log.Logger

	// background work outlives the request that started it.
	bg context.Context
	wg sync.WaitGroup
}

// NewHandlers creates handlers. Background syncs and analysis jobs run on bg.
func NewHandlers(bg context.Context, cfg HandlersConfig) *Handlers {
	h := &Handlers{
		service:  cfg.Service,
		login:    cfg.Login,
		accounts: cfg.Accounts,
		tokens:   cfg.Tokens,
		jobs:     cfg.Jobs,
		profile:  cfg.Profile,
		logger:   cfg.Logger,
		bg:       bg,
	}
	if h.jobs == nil {
		h.jobs = NewJobStore()
	}
	if h.profile == nil {
		h.profile = func(ctx context.Context, c *http.Client) (*spotify.Profile, error) {
			return spotify.NewFromHTTP(c).CurrentUser(ctx)
		}
	}
	if h.logger == nil {
		h.logger = log.Default()
	}
	return h
}

// Wait blocks until background work started by the handlers has finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

func (h *Handlers) goBackground(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.bg)
	}()
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login initiates the Spotify OAuth flow (GET /auth/login).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	state, err := auth.GenerateState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate state")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes
	})

	http.Redirect(w, r, h.login.AuthURL(state), http.StatusTemporaryRedirect)
}

// Callback handles the OAuth callback from Spotify (GET /callback). It stores
// the account and its token, then syncs the account in the background.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing state cookie")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	ctx := r.Context()
	token, err := h.login.Exchange(ctx, stateCookie.Value, r)
	if err != nil {
		if errors.Is(err, auth.ErrStateMismatch) {
			writeError(w, http.StatusBadRequest, "state mismatch")
			return
		}
		h.logger.Warn("token exchange failed", "err", err)
		writeError(w, http.StatusBadGateway, "failed to get token")
		return
	}

	profile, err := h.profile(ctx, h.login.Client(ctx, token))
	if err != nil {
		h.logger.Warn("profile lookup failed", "err", err)
		writeError(w, http.StatusBadGateway, "failed to get user info")
		return
	}

	if err := h.accounts.Upsert(ctx, &db.Account{ID: profile.ID, DisplayName: profile.DisplayName}); err != nil {
		h.logger.Error("saving account failed", "account_id", profile.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save account")
		return
	}

	rec := &db.TokenRecord{
		AccountID:    profile.ID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if err := h.tokens.Save(ctx, rec); err != nil {
		h.logger.Error("saving token failed", "account_id", profile.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save token")
		return
	}

	accountID := profile.ID
	h.goBackground(func(ctx context.Context) {
		if _, err := h.service.Sync(ctx, accountID, true); err != nil {
			h.logger.Warn("initial sync failed", "account_id", accountID, "err", err)
		}
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"account_id":   profile.ID,
		"display_name": profile.DisplayName,
		"sync":         "started",
	})
}

type playlistResponse struct {
	PlaylistID string `json:"playlist_id"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status"`
	Added      int    `json:"added"`
	Removed    int    `json:"removed"`
	Reordered  int    `json:"reordered"`
	Skipped    int    `json:"skipped"`
	Error      string `json:"error,omitempty"`
}

type analysisResponse struct {
	Requested int `json:"requested"`
	Analyzed  int `json:"analyzed"`
	Failed    int `json:"failed"`
	Fresh     int `json:"fresh"`
	Exhausted int `json:"exhausted"`
}

type syncResponse struct {
	AccountID     string             `json:"account_id"`
	Playlists     []playlistResponse `json:"playlists"`
	AddedTrackIDs []string           `json:"added_track_ids"`
	SyncedAt      time.Time          `json:"synced_at"`
	Analysis      *analysisResponse  `json:"analysis,omitempty"`
}

// Sync handles POST /api/accounts/{accountID}/sync. Pass ?force=true to skip
// the cooldown.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	report, err := h.service.Sync(r.Context(), accountID, force)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	res := syncResponse{
		AccountID:     report.Sync.AccountID,
		Playlists:     make([]playlistResponse, 0, len(report.Sync.Playlists)),
		AddedTrackIDs: report.Sync.AddedTrackIDs,
		SyncedAt:      report.Sync.SyncedAt,
	}
	if res.AddedTrackIDs == nil {
		res.AddedTrackIDs = []string{}
	}
	for _, p := range report.Sync.Playlists {
		pr := playlistResponse{
			PlaylistID: p.PlaylistID,
			Name:       p.Name,
			Status:     string(p.Status),
			Added:      p.Added,
			Removed:    p.Removed,
			Reordered:  p.Reordered,
			Skipped:    p.Skipped,
		}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		res.Playlists = append(res.Playlists, pr)
	}
	if a := report.Analysis; a != nil {
		res.Analysis = &analysisResponse{
			Requested: a.Batch.Requested,
			Analyzed:  a.Batch.TotalAnalyzed,
			Failed:    a.Batch.Failed,
			Fresh:     len(a.Filter.Fresh),
			Exhausted: len(a.Filter.Exhausted),
		}
	}
	writeJSON(w, http.StatusOK, res)
}

type analyzeRequest struct {
	AccountID  string   `json:"account_id"`
	TrackIDs   []string `json:"track_ids"`
	PlaylistID string   `json:"playlist_id"`
	Force      bool     `json:"force"`
}

// Analyze handles POST /api/analyze. The run continues in the background;
// the response carries the job id to poll.
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.TrackIDs) == 0 && body.PlaylistID == "" && body.AccountID == "" {
		writeError(w, http.StatusBadRequest, "track_ids, playlist_id or account_id required")
		return
	}

	jobID := h.jobs.Start()
	req := pipeline.AnalyzeRequest{
		AccountID:  body.AccountID,
		TrackIDs:   body.TrackIDs,
		PlaylistID: body.PlaylistID,
		Force:      body.Force,
		Progress: func(current, total int, label string) {
			h.jobs.Progress(jobID, current, total, label)
		},
	}

	h.goBackground(func(ctx context.Context) {
		report, err := h.service.Analyze(ctx, req)
		if err != nil {
			h.logger.Warn("analysis job failed", "job_id", jobID, "err", err)
			h.jobs.Finish(jobID, 0, 0, 0, err)
			return
		}
		skipped := len(report.Filter.Fresh) + len(report.Filter.InProgress) +
			len(report.Filter.Failed) + len(report.Filter.Exhausted)
		h.jobs.Finish(jobID, report.Batch.TotalAnalyzed, report.Batch.Failed, skipped, nil)
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// Job handles GET /api/jobs/{jobID}.
func (h *Handlers) Job(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Status handles GET /api/status/{kind}/{id}.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	scope, err := progress.ParseScope(chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.service.GetAnalysisStatus(r.Context(), scope)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// writeServiceError maps pipeline errors onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncer.ErrSyncTooRecent):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, db.ErrNotFound), errors.Is(err, auth.ErrNoToken):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrReauthRequired), apperr.Is(err, apperr.KindAuth):
		writeError(w, http.StatusUnauthorized, "re-authentication required")
	case apperr.Is(err, apperr.KindValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.Is(err, apperr.KindRateLimit), apperr.Is(err, apperr.KindTransient):
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	default:
		h.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

const configDirName = "spotify-lyric-analyzer"

// FileStore keeps one token file per account for single-user CLI use.
// Files are written with 0600 permissions.
type FileStore struct {
	dir string
}

type fileToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
	Invalid      bool      `json:"invalid,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DefaultFileStore returns a FileStore under ~/.config/spotify-lyric-analyzer/tokens.
func DefaultFileStore() (*FileStore, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("getting user config dir: %w", err)
	}
	return NewFileStore(filepath.Join(configDir, configDirName, "tokens")), nil
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file path for an account's token.
func (s *FileStore) Path(accountID string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(accountID)
	return filepath.Join(s.dir, name+".json")
}

// Load reads an account's token. Returns ErrNoToken if none is stored.
func (s *FileStore) Load(_ context.Context, accountID string) (*db.TokenRecord, error) {
	data, err := os.ReadFile(s.Path(accountID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	var ft fileToken
	if err := json.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}
	return &db.TokenRecord{
		AccountID:    accountID,
		AccessToken:  ft.AccessToken,
		RefreshToken: ft.RefreshToken,
		TokenType:    ft.TokenType,
		Expiry:       ft.Expiry,
		Invalid:      ft.Invalid,
		UpdatedAt:    ft.UpdatedAt,
	}, nil
}

// Save writes the token to disk, creating the directory if needed.
func (s *FileStore) Save(_ context.Context, rec *db.TokenRecord) error {
	if rec == nil {
		return errors.New("cannot save nil token")
	}
	rec.Invalid = false
	rec.UpdatedAt = time.Now()
	return s.write(rec.AccountID, fileToken{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Expiry:       rec.Expiry,
		UpdatedAt:    rec.UpdatedAt,
	})
}

// MarkInvalid flags the stored token as rejected.
func (s *FileStore) MarkInvalid(ctx context.Context, accountID string) error {
	rec, err := s.Load(ctx, accountID)
	if err != nil {
		return err
	}
	return s.write(accountID, fileToken{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Expiry:       rec.Expiry,
		Invalid:      true,
		UpdatedAt:    time.Now(),
	})
}

// Delete removes an account's token file. Missing files are not an error.
func (s *FileStore) Delete(accountID string) error {
	err := os.Remove(s.Path(accountID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}

func (s *FileStore) write(accountID string, ft fileToken) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	data, err := json.MarshalIndent(ft, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := os.WriteFile(s.Path(accountID), data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

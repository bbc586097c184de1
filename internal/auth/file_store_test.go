package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

func TestFileStore_SaveAndLoad(t *testing.T) {
	tests := []struct {
		name string
		rec  db.TokenRecord
	}{
		{
			name: "basic token",
			rec: db.TokenRecord{
				AccountID:    "user-1",
				AccessToken:  "test-access-token",
				TokenType:    "Bearer",
				RefreshToken: "test-refresh-token",
				Expiry:       time.Now().Add(time.Hour).Truncate(time.Second),
			},
		},
		{
			name: "token without refresh",
			rec: db.TokenRecord{
				AccountID:   "user-2",
				AccessToken: "access-only",
				TokenType:   "Bearer",
				Expiry:      time.Now().Add(30 * time.Minute).Truncate(time.Second),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewFileStore(t.TempDir())
			rec := tt.rec

			if err := store.Save(context.Background(), &rec); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			loaded, err := store.Load(context.Background(), tt.rec.AccountID)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if loaded.AccessToken != tt.rec.AccessToken {
				t.Errorf("AccessToken = %q, want %q", loaded.AccessToken, tt.rec.AccessToken)
			}
			if loaded.RefreshToken != tt.rec.RefreshToken {
				t.Errorf("RefreshToken = %q, want %q", loaded.RefreshToken, tt.rec.RefreshToken)
			}
			if !loaded.Expiry.Equal(tt.rec.Expiry) {
				t.Errorf("Expiry = %v, want %v", loaded.Expiry, tt.rec.Expiry)
			}
		})
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nonexistent"))
	_, err := store.Load(context.Background(), "nobody")
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("Load() error = %v, want ErrNoToken", err)
	}
}

func TestFileStore_MarkInvalidThenSaveClears(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()
	rec := &db.TokenRecord{AccountID: "user", AccessToken: "a", RefreshToken: "r"}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := store.MarkInvalid(ctx, "user"); err != nil {
		t.Fatalf("MarkInvalid() error = %v", err)
	}
	loaded, _ := store.Load(ctx, "user")
	if !loaded.Invalid {
		t.Error("token should be invalid")
	}

	if err := store.Save(ctx, &db.TokenRecord{AccountID: "user", AccessToken: "b", RefreshToken: "r2"}); err != nil {
		t.Fatal(err)
	}
	loaded, _ = store.Load(ctx, "user")
	if loaded.Invalid || loaded.AccessToken != "b" {
		t.Errorf("Save should replace and clear invalid: %+v", loaded)
	}
}

func TestFileStore_SaveNil(t *testing.T) {
	if err := NewFileStore(t.TempDir()).Save(context.Background(), nil); err == nil {
		t.Error("Save(nil) should return error")
	}
}

func TestFileStore_Delete(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()
	if err := store.Save(ctx, &db.TokenRecord{AccountID: "user", AccessToken: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("user"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(store.Path("user")); !os.IsNotExist(err) {
		t.Error("Delete() did not remove token file")
	}
	if err := store.Delete("user"); err != nil {
		t.Errorf("Delete() of missing file error = %v", err)
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	store := NewFileStore(t.TempDir())
	if err := store.Save(context.Background(), &db.TokenRecord{AccountID: "user", AccessToken: "secret"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(store.Path("user"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		t.Errorf("File permissions = %o, want 0600 (no group/other access)", mode)
	}
}

func TestFileStore_PathSanitized(t *testing.T) {
	store := NewFileStore("/tokens")
	if got := store.Path("../evil"); filepath.Dir(got) != "/tokens" {
		t.Errorf("Path() = %q escapes store directory", got)
	}
}

func TestNewAuthenticator_MissingCredentials(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		secret string
	}{
		{"both missing", "", ""},
		{"id missing", "", "secret"},
		{"secret missing", "id", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuthenticator(tt.id, tt.secret, "http://127.0.0.1:8080/callback")
			if !errors.Is(err, ErrMissingCredentials) {
				t.Errorf("NewAuthenticator() error = %v, want ErrMissingCredentials", err)
			}
		})
	}
}

func TestGenerateState(t *testing.T) {
	state1, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}
	if len(state1) != 32 {
		t.Errorf("GenerateState() length = %d, want 32", len(state1))
	}
	state2, _ := GenerateState()
	if state1 == state2 {
		t.Error("GenerateState() returned same value twice")
	}
}

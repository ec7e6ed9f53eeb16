package msoauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/korgalore/korgalore/internal/kerrors"
)

func writeToken(t *testing.T, path string, tok Token) {
	t.Helper()
	data, err := json.Marshal(tok)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"far future", now.Add(time.Hour), false},
		{"already past", now.Add(-time.Minute), true},
		{"inside refresh buffer", now.Add(2 * time.Minute), true},
		{"just outside buffer", now.Add(6 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := Token{ExpiresAt: float64(tt.expiresAt.Unix())}
			if got := tok.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewLoadsToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")
	writeToken(t, path, Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 9e9})

	a := New("work", "u@example.com", "", path, "", true)
	if a.NeedsAuth() {
		t.Error("NeedsAuth() = true with a valid token on disk")
	}
	if a.ClientID != DefaultClientID {
		t.Errorf("ClientID = %q, want default", a.ClientID)
	}
	if a.Tenant != "common" {
		t.Errorf("Tenant = %q, want common", a.Tenant)
	}
}

func TestNewMissingToken(t *testing.T) {
	a := New("work", "u@example.com", "id", filepath.Join(t.TempDir(), "nope.json"), "common", true)
	if !a.NeedsAuth() {
		t.Error("NeedsAuth() = false without a token")
	}
}

func TestAccessTokenNonInteractiveWithoutToken(t *testing.T) {
	a := New("work", "u@example.com", "id", filepath.Join(t.TempDir(), "nope.json"), "common", false)
	_, err := a.AccessToken(context.Background())
	if !kerrors.IsAuth(err) {
		t.Errorf("AccessToken() error = %v, want auth error", err)
	}
}

func TestAccessTokenFreshTokenNoNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, path, Token{AccessToken: "fresh", RefreshToken: "rt", ExpiresAt: 9e9})
	a := New("work", "u@example.com", "id", path, "common", false)

	got, err := a.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	if got != "fresh" {
		t.Errorf("AccessToken() = %q, want fresh", got)
	}
}

func TestRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-at",
			"refresh_token": "new-rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, path, Token{AccessToken: "old", RefreshToken: "old-rt", ExpiresAt: 1})
	a := New("work", "u@example.com", "id", path, "common", false)
	a.endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}

	got, err := a.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	if got != "new-at" {
		t.Errorf("AccessToken() = %q, want new-at", got)
	}

	// The rotated token must be persisted with owner-only permissions.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}
	data, _ := os.ReadFile(path)
	var saved Token
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.RefreshToken != "new-rt" {
		t.Errorf("saved refresh token = %q, want new-rt", saved.RefreshToken)
	}
}

func TestRefreshFailureInvalidatesTokenFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, path, Token{AccessToken: "old", RefreshToken: "dead-rt", ExpiresAt: 1})
	a := New("work", "u@example.com", "id", path, "common", false)
	a.endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}

	_, err := a.AccessToken(context.Background())
	if !kerrors.IsAuth(err) {
		t.Fatalf("AccessToken() error = %v, want auth error", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("token file still present after failed refresh")
	}
	if _, err := os.Stat(path + ".invalid"); err != nil {
		t.Errorf("invalid token file not preserved: %v", err)
	}
	if !a.NeedsAuth() {
		t.Error("NeedsAuth() = false after failed refresh")
	}
}

func TestXOAUTH2String(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	writeToken(t, path, Token{AccessToken: "tok", RefreshToken: "rt", ExpiresAt: 9e9})
	a := New("work", "u@example.com", "id", path, "common", false)

	got, err := a.XOAUTH2String(context.Background())
	if err != nil {
		t.Fatalf("XOAUTH2String() error: %v", err)
	}
	want := "user=u@example.com\x01auth=Bearer tok\x01\x01"
	if got != want {
		t.Errorf("XOAUTH2String() = %q, want %q", got, want)
	}
}

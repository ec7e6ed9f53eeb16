package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/korgalore/korgalore/internal/config"
	"github.com/korgalore/korgalore/internal/kerrors"
)

func writeGmailCredentials(t *testing.T, dir, tokenURL string) string {
	t.Helper()
	path := filepath.Join(dir, "credentials.json")
	blob := fmt.Sprintf(`{"installed": {
		"client_id": "client-id.apps.googleusercontent.com",
		"client_secret": "client-secret",
		"auth_uri": "https://accounts.google.com/o/oauth2/auth",
		"token_uri": %q,
		"redirect_uris": ["http://localhost"]
	}}`, tokenURL)
	if err := os.WriteFile(path, []byte(blob), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeGmailToken(t *testing.T, path string, tok *oauth2.Token) {
	t.Helper()
	data, err := json.Marshal(tok)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestNewGmailRequiresCredentials(t *testing.T) {
	_, err := NewGmail("g", config.Target{Type: config.TargetGmail}, t.TempDir(), true)
	if !errors.Is(err, kerrors.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestNewGmailLoadsStoredToken(t *testing.T) {
	dir := t.TempDir()
	creds := writeGmailCredentials(t, dir, "https://oauth2.googleapis.com/token")
	tokenFile := filepath.Join(dir, "token.json")
	writeGmailToken(t, tokenFile, &oauth2.Token{
		AccessToken: "at", RefreshToken: "rt",
		Expiry: time.Now().Add(time.Hour),
	})

	g, err := NewGmail("g", config.Target{
		Credentials: creds, TokenFile: tokenFile,
	}, dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if g.NeedsAuth() {
		t.Error("target with stored token should not need auth")
	}
	if err := g.ensureToken(context.Background()); err != nil {
		t.Fatalf("valid token should not hit the network: %v", err)
	}
}

func TestNewGmailNonInteractiveWithoutToken(t *testing.T) {
	dir := t.TempDir()
	creds := writeGmailCredentials(t, dir, "https://oauth2.googleapis.com/token")

	g, err := NewGmail("g", config.Target{Credentials: creds}, dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if !g.NeedsAuth() {
		t.Error("non-interactive target without token should need auth")
	}
	if err := g.ensureToken(context.Background()); !kerrors.IsAuth(err) {
		t.Fatalf("want auth error, got %v", err)
	}
}

func TestGmailDefaultTokenPath(t *testing.T) {
	dir := t.TempDir()
	creds := writeGmailCredentials(t, dir, "https://oauth2.googleapis.com/token")
	g, err := NewGmail("work", config.Target{Credentials: creds}, dir, true)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "gmail-work-token.json")
	if g.tokenFile != want {
		t.Errorf("tokenFile = %q, want %q", g.tokenFile, want)
	}
}

func TestGmailRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				t.Fatal(err)
			}
			if got := r.Form.Get("grant_type"); got != "refresh_token" {
				t.Errorf("grant_type = %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{
				"access_token": "new-at",
				"refresh_token": "new-rt",
				"token_type": "Bearer",
				"expires_in": 3600
			}`)
		}))
	defer srv.Close()

	dir := t.TempDir()
	creds := writeGmailCredentials(t, dir, srv.URL)
	tokenFile := filepath.Join(dir, "token.json")
	writeGmailToken(t, tokenFile, &oauth2.Token{
		AccessToken: "stale", RefreshToken: "rt",
		Expiry: time.Now().Add(-time.Hour),
	})

	g, err := NewGmail("g", config.Target{
		Credentials: creds, TokenFile: tokenFile,
	}, dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.ensureToken(context.Background()); err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if g.token.AccessToken != "new-at" {
		t.Errorf("access token = %q", g.token.AccessToken)
	}

	data, err := os.ReadFile(tokenFile)
	if err != nil {
		t.Fatal(err)
	}
	var persisted oauth2.Token
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.AccessToken != "new-at" {
		t.Errorf("persisted access token = %q", persisted.AccessToken)
	}
}

func TestGmailRefreshFailureInvalidatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "invalid_grant"}`)
		}))
	defer srv.Close()

	dir := t.TempDir()
	creds := writeGmailCredentials(t, dir, srv.URL)
	tokenFile := filepath.Join(dir, "token.json")
	writeGmailToken(t, tokenFile, &oauth2.Token{
		AccessToken: "stale", RefreshToken: "revoked",
		Expiry: time.Now().Add(-time.Hour),
	})

	g, err := NewGmail("g", config.Target{
		Credentials: creds, TokenFile: tokenFile,
	}, dir, false)
	if err != nil {
		t.Fatal(err)
	}
	err = g.ensureToken(context.Background())
	if !kerrors.IsAuth(err) {
		t.Fatalf("want auth error, got %v", err)
	}
	if !g.NeedsAuth() {
		t.Error("failed refresh should mark the target as needing auth")
	}
	if _, err := os.Stat(tokenFile); !os.IsNotExist(err) {
		t.Error("token file should have been moved aside")
	}
	if _, err := os.Stat(tokenFile + ".invalid"); err != nil {
		t.Errorf("invalid token file missing: %v", err)
	}
}

// Package msoauth implements the Microsoft 365 OAuth2 PKCE flow used by
// IMAP targets. Tokens are persisted with owner-only permissions and
// refreshed ahead of expiry; a failed refresh preserves the old token file
// with an .invalid suffix for diagnosis.
package msoauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/oauth2"

	"github.com/korgalore/korgalore/internal/httpx"
	"github.com/korgalore/korgalore/internal/kerrors"
)

const (
	// DefaultClientID is the korgalore app registration. Users whose
	// tenant blocks third-party applications configure their own.
	DefaultClientID = "96202974-99c3-4d7d-b2a5-1f57fe7f114c"

	// Scope grants IMAP access plus a refresh token.
	Scope = "https://outlook.office.com/IMAP.AccessAsUser.All offline_access"

	// expiryBuffer refreshes tokens this long before they actually expire.
	expiryBuffer = 5 * time.Minute

	// flowTimeout bounds the wait for the browser callback.
	flowTimeout = 300 * time.Second
)

func endpoint(tenant string) oauth2.Endpoint {
	base := "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0"
	return oauth2.Endpoint{AuthURL: base + "/authorize", TokenURL: base + "/token"}
}

// Token is the persisted token material.
type Token struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresAt    float64 `json:"expires_at"` // unix seconds
	TokenType    string  `json:"token_type"`
	Scope        string  `json:"scope"`
}

// Expired reports whether the token is expired or will be within the
// refresh buffer.
func (t *Token) Expired(now time.Time) bool {
	return float64(now.Unix()) >= t.ExpiresAt-expiryBuffer.Seconds()
}

// Authenticator drives the PKCE flow for one IMAP target.
type Authenticator struct {
	Identifier string
	Username   string
	ClientID   string
	TokenFile  string
	Tenant     string

	// Interactive controls whether a missing or unrefreshable token
	// triggers the browser flow or an authentication error (GUI mode).
	Interactive bool

	endpoint    oauth2.Endpoint
	now         func() time.Time
	openBrowser func(url string) error

	token *Token
}

// New builds an authenticator and loads any persisted token.
func New(identifier, username, clientID, tokenFile, tenant string, interactive bool) *Authenticator {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if tenant == "" {
		tenant = "common"
	}
	a := &Authenticator{
		Identifier:  identifier,
		Username:    username,
		ClientID:    clientID,
		TokenFile:   tokenFile,
		Tenant:      tenant,
		Interactive: interactive,
		endpoint:    endpoint(tenant),
		now:         time.Now,
		openBrowser: openBrowser,
	}
	a.loadToken()
	return a
}

// NeedsAuth reports whether an interactive authentication is required.
func (a *Authenticator) NeedsAuth() bool { return a.token == nil }

func (a *Authenticator) loadToken() {
	data, err := os.ReadFile(a.TokenFile)
	if err != nil {
		return
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil || tok.AccessToken == "" {
		return
	}
	a.token = &tok
}

func (a *Authenticator) saveToken() error {
	if a.token == nil {
		return nil
	}
	data, err := json.MarshalIndent(a.token, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.TokenFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(a.TokenFile, data, 0o600)
}

// invalidateTokenFile preserves the unusable token as <file>.invalid.
func (a *Authenticator) invalidateTokenFile() {
	invalid := a.TokenFile + ".invalid"
	os.Remove(invalid)
	if err := os.Rename(a.TokenFile, invalid); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "could not preserve invalid token file: %v\n", err)
	}
	a.token = nil
}

func (a *Authenticator) config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    a.ClientID,
		Endpoint:    a.endpoint,
		RedirectURL: redirectURI,
		Scopes:      []string{Scope},
	}
}

// httpContext routes oauth2's requests through the shared client so they
// carry the korgalore User-Agent.
func httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, httpx.Client())
}

// AccessToken returns a valid access token, refreshing or (in interactive
// mode) re-running the browser flow as needed.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	if a.token == nil {
		if !a.Interactive {
			return "", kerrors.NewAuthError(a.Identifier, "imap", nil)
		}
		if err := a.runFlow(ctx); err != nil {
			return "", err
		}
	}
	if a.token.Expired(a.now()) {
		if err := a.refresh(ctx); err != nil {
			if !a.Interactive {
				return "", err
			}
			if err := a.runFlow(ctx); err != nil {
				return "", err
			}
		}
	}
	return a.token.AccessToken, nil
}

// XOAUTH2String builds the SASL initial response for IMAP AUTHENTICATE.
func (a *Authenticator) XOAUTH2String(ctx context.Context) (string, error) {
	access, err := a.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	return "user=" + a.Username + "\x01auth=Bearer " + access + "\x01\x01", nil
}

// refresh exchanges the refresh token for new token material. Failure
// invalidates the persisted token.
func (a *Authenticator) refresh(ctx context.Context) error {
	if a.token == nil || a.token.RefreshToken == "" {
		return kerrors.NewAuthError(a.Identifier, "imap",
			fmt.Errorf("no refresh token available"))
	}
	ctx, cancel := context.WithTimeout(httpContext(ctx), 30*time.Second)
	defer cancel()

	src := a.config("").TokenSource(ctx, &oauth2.Token{RefreshToken: a.token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		a.invalidateTokenFile()
		return kerrors.NewAuthError(a.Identifier, "imap",
			fmt.Errorf("token refresh failed: %w", err))
	}
	a.adoptToken(tok)
	return a.saveToken()
}

func (a *Authenticator) adoptToken(tok *oauth2.Token) {
	refresh := tok.RefreshToken
	if refresh == "" && a.token != nil {
		refresh = a.token.RefreshToken
	}
	a.token = &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    float64(tok.Expiry.Unix()),
		TokenType:    tok.TokenType,
		Scope:        Scope,
	}
	if a.token.TokenType == "" {
		a.token.TokenType = "Bearer"
	}
}

// Reauthenticate discards the current token and runs the browser flow.
func (a *Authenticator) Reauthenticate(ctx context.Context) error {
	a.token = nil
	return a.runFlow(ctx)
}

// runFlow performs the interactive PKCE authorization code flow: an
// ephemeral localhost callback server, a browser visit, then the code
// exchange.
func (a *Authenticator) runFlow(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return kerrors.NewAuthError(a.Identifier, "imap",
			fmt.Errorf("starting callback server: %w", err))
	}
	defer ln.Close()
	redirectURI := fmt.Sprintf("http://localhost:%d/", ln.Addr().(*net.TCPAddr).Port)

	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier() // random URL-safe string doubles as CSRF state
	conf := a.config(redirectURI)
	authURL := conf.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("login_hint", a.Username))

	type callback struct {
		code string
		err  error
	}
	result := make(chan callback, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "text/html")
		switch {
		case q.Get("code") != "":
			if q.Get("state") != state {
				result <- callback{err: fmt.Errorf("state mismatch in callback")}
				fmt.Fprint(w, "<h1>Authentication Failed</h1><p>State mismatch.</p>")
				return
			}
			result <- callback{code: q.Get("code")}
			fmt.Fprint(w, "<h1>Authentication Successful</h1>"+
				"<p>You can close this window and return to korgalore.</p>")
		case q.Get("error") != "":
			desc := q.Get("error_description")
			if desc == "" {
				desc = q.Get("error")
			}
			result <- callback{err: fmt.Errorf("%s", desc)}
			fmt.Fprintf(w, "<h1>Authentication Failed</h1><p>%s</p>", desc)
		default:
			http.NotFound(w, r)
		}
	})}
	go srv.Serve(ln)
	defer srv.Close()

	fmt.Fprintf(os.Stderr, "Opening browser for Microsoft 365 authentication...\n")
	fmt.Fprintf(os.Stderr, "If the browser does not open, visit:\n%s\n", authURL)
	if err := a.openBrowser(authURL); err != nil {
		fmt.Fprintf(os.Stderr, "could not open browser: %v\n", err)
	}

	var cb callback
	select {
	case cb = <-result:
	case <-time.After(flowTimeout):
		return kerrors.NewAuthError(a.Identifier, "imap",
			fmt.Errorf("authentication timed out after %s", flowTimeout))
	case <-ctx.Done():
		return kerrors.NewAuthError(a.Identifier, "imap", ctx.Err())
	}
	if cb.err != nil {
		return kerrors.NewAuthError(a.Identifier, "imap", cb.err)
	}

	exchangeCtx, cancel := context.WithTimeout(httpContext(ctx), 30*time.Second)
	defer cancel()
	tok, err := conf.Exchange(exchangeCtx, cb.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return kerrors.NewAuthError(a.Identifier, "imap",
			fmt.Errorf("exchanging authorization code: %w", err))
	}
	a.adoptToken(tok)
	return a.saveToken()
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

package target

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/korgalore/korgalore/internal/config"
	"github.com/korgalore/korgalore/internal/httpx"
	"github.com/korgalore/korgalore/internal/kerrors"
)

// gmailScopes covers listing labels and importing messages, nothing
// else. Changing scopes invalidates stored tokens.
var gmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.labels",
	"https://www.googleapis.com/auth/gmail.insert",
}

const gmailFlowTimeout = 300 * time.Second

// Gmail delivers messages through the Gmail API with the
// installed-application OAuth2 pattern: a client-secrets file from the
// Google Cloud Console plus an on-disk token.
type Gmail struct {
	id              string
	credentialsFile string
	tokenFile       string
	interactive     bool

	needsAuth bool
	token     *oauth2.Token
	svc       *gmail.Service

	// Label name to Gmail label id, fetched once per process.
	labelMap map[string]string

	openBrowser func(url string) error
}

// NewGmail resolves the credentials and token paths and loads any stored
// token. Token files default under the config directory.
func NewGmail(id string, cfg config.Target, configDir string, interactive bool) (*Gmail, error) {
	credentialsFile := cfg.Credentials
	if credentialsFile == "" {
		return nil, kerrors.Configuration(
			"no credentials file specified for gmail target %q", id)
	}
	tokenFile := cfg.TokenFile
	if tokenFile == "" {
		tokenFile = filepath.Join(configDir, fmt.Sprintf("gmail-%s-token.json", id))
	}
	t := &Gmail{
		id:              id,
		credentialsFile: expandHome(credentialsFile),
		tokenFile:       expandHome(tokenFile),
		interactive:     interactive,
		openBrowser:     openBrowser,
	}
	if data, err := os.ReadFile(t.tokenFile); err == nil {
		var tok oauth2.Token
		if err := json.Unmarshal(data, &tok); err == nil {
			t.token = &tok
		}
	}
	if t.token == nil && !interactive {
		t.needsAuth = true
	}
	return t, nil
}

func (t *Gmail) ID() string   { return t.id }
func (t *Gmail) Type() string { return "gmail" }

// DefaultLabels leaves the message in the inbox, unread.
func (t *Gmail) DefaultLabels() []string { return []string{"INBOX", "UNREAD"} }

// NeedsAuth reports whether the stored token is missing or was found
// invalid.
func (t *Gmail) NeedsAuth() bool { return t.needsAuth }

func (t *Gmail) oauthConfig() (*oauth2.Config, error) {
	data, err := os.ReadFile(t.credentialsFile)
	if err != nil {
		return nil, kerrors.Configuration(
			"%s not found, download it from the Google Cloud Console", t.credentialsFile)
	}
	conf, err := google.ConfigFromJSON(data, gmailScopes...)
	if err != nil {
		return nil, kerrors.Configuration(
			"parsing credentials file %s: %v", t.credentialsFile, err)
	}
	return conf, nil
}

func (t *Gmail) saveToken(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return kerrors.Configuration("encoding gmail token: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.tokenFile), 0o700); err != nil {
		return kerrors.Configuration("saving gmail token: %v", err)
	}
	if err := os.WriteFile(t.tokenFile, data, 0o600); err != nil {
		return kerrors.Configuration("saving gmail token: %v", err)
	}
	t.token = tok
	t.needsAuth = false
	return nil
}

// invalidateTokenFile renames the token file aside so the next run does
// not retry a revoked token.
func (t *Gmail) invalidateTokenFile() {
	invalid := t.tokenFile + ".invalid"
	os.Remove(invalid)
	if err := os.Rename(t.tokenFile, invalid); err != nil {
		zap.L().Debug("renaming invalid gmail token failed",
			zap.String("target", t.id), zap.Error(err))
	}
	t.token = nil
	t.needsAuth = true
}

// ensureToken produces a usable token: the stored one, a refresh, or in
// interactive mode the browser flow. Refresh failure means the grant was
// revoked; the token file is set aside and re-authentication required.
func (t *Gmail) ensureToken(ctx context.Context) error {
	if t.token != nil && t.token.Valid() {
		return nil
	}
	conf, err := t.oauthConfig()
	if err != nil {
		return err
	}
	if t.token != nil && t.token.RefreshToken != "" {
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		rctx = context.WithValue(rctx, oauth2.HTTPClient, httpx.Client())
		tok, err := conf.TokenSource(rctx, t.token).Token()
		if err == nil {
			return t.saveToken(tok)
		}
		zap.L().Warn("gmail token has expired or been revoked",
			zap.String("target", t.id), zap.Error(err))
		t.invalidateTokenFile()
		return kerrors.NewAuthError(t.id, "gmail", err)
	}
	if !t.interactive {
		t.needsAuth = true
		return kerrors.NewAuthError(t.id, "gmail", nil)
	}
	tok, err := t.runFlow(ctx, conf)
	if err != nil {
		return err
	}
	return t.saveToken(tok)
}

// runFlow runs the installed-application authorization code flow on a
// loopback listener, in the manner of the Google client libraries.
func (t *Gmail) runFlow(ctx context.Context, conf *oauth2.Config) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, kerrors.Remote("starting gmail OAuth listener: %v", err)
	}
	defer ln.Close()
	conf.RedirectURL = fmt.Sprintf("http://localhost:%d/",
		ln.Addr().(*net.TCPAddr).Port)

	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	type flowResult struct {
		code string
		err  error
	}
	resultCh := make(chan flowResult, 1)
	srv := &http.Server{Handler: http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			switch {
			case q.Get("state") != state:
				resultCh <- flowResult{err: fmt.Errorf("state mismatch in OAuth redirect")}
			case q.Get("error") != "":
				resultCh <- flowResult{err: fmt.Errorf("authorization refused: %s", q.Get("error"))}
			default:
				resultCh <- flowResult{code: q.Get("code")}
			}
			fmt.Fprintln(w, "Authentication complete. You can close this window.")
		})}
	go srv.Serve(ln)
	defer srv.Close()

	zap.L().Info("log in to the Gmail account in your browser",
		zap.String("target", t.id))
	if err := t.openBrowser(authURL); err != nil {
		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}

	var res flowResult
	select {
	case res = <-resultCh:
	case <-time.After(gmailFlowTimeout):
		return nil, kerrors.NewAuthError(t.id, "gmail",
			fmt.Errorf("timed out waiting for authorization"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, kerrors.NewAuthError(t.id, "gmail", res.err)
	}

	ectx := context.WithValue(ctx, oauth2.HTTPClient, httpx.Client())
	tok, err := conf.Exchange(ectx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, kerrors.NewAuthError(t.id, "gmail", err)
	}
	return tok, nil
}

// Reauthenticate forces the browser flow regardless of stored state.
func (t *Gmail) Reauthenticate(ctx context.Context) error {
	conf, err := t.oauthConfig()
	if err != nil {
		return err
	}
	tok, err := t.runFlow(ctx, conf)
	if err != nil {
		return err
	}
	if err := t.saveToken(tok); err != nil {
		return err
	}
	t.svc = nil
	zap.L().Info("gmail re-authentication successful", zap.String("target", t.id))
	return nil
}

// Connect builds the Gmail API client. Idempotent.
func (t *Gmail) Connect() error {
	if t.svc != nil {
		return nil
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpx.Client())
	if err := t.ensureToken(ctx); err != nil {
		return err
	}
	conf, err := t.oauthConfig()
	if err != nil {
		return err
	}
	svc, err := gmail.NewService(ctx,
		option.WithTokenSource(conf.TokenSource(ctx, t.token)))
	if err != nil {
		return kerrors.Remote("connecting to the Gmail API for %q: %v", t.id, err)
	}
	t.svc = svc
	return nil
}

// ListLabels fetches all labels in the mailbox.
func (t *Gmail) ListLabels() ([]*gmail.Label, error) {
	if err := t.Connect(); err != nil {
		return nil, err
	}
	resp, err := t.svc.Users.Labels.List("me").Do()
	if err != nil {
		return nil, kerrors.Remote("listing gmail labels for %q: %v", t.id, err)
	}
	return resp.Labels, nil
}

// translateLabels maps label names to Gmail label ids. The full label
// list is fetched once and cached.
func (t *Gmail) translateLabels(labels []string) ([]string, error) {
	if t.labelMap == nil {
		list, err := t.ListLabels()
		if err != nil {
			return nil, err
		}
		m := make(map[string]string, len(list))
		for _, l := range list {
			m[l.Name] = l.Id
		}
		t.labelMap = m
	}
	ids := make([]string, 0, len(labels))
	for _, label := range labels {
		id, ok := t.labelMap[label]
		if !ok {
			return nil, kerrors.Configuration(
				"label %q not found in gmail %q", label, t.id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ImportMessage imports the raw message via messages.import with the
// labels translated to label ids. The subfolder is ignored.
func (t *Gmail) ImportMessage(raw []byte, labels []string, subfolder string) (Result, error) {
	if err := t.Connect(); err != nil {
		return Result{}, err
	}
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if len(labels) > 0 {
		ids, err := t.translateLabels(labels)
		if err != nil {
			return Result{}, err
		}
		msg.LabelIds = ids
	}
	resp, err := t.svc.Users.Messages.Import("me", msg).Do()
	if err != nil {
		return Result{}, kerrors.Remote("importing message to gmail %q: %v", t.id, err)
	}
	return Result{ID: resp.Id}, nil
}

// Disconnect drops the API client so the next use rebuilds it.
func (t *Gmail) Disconnect() error {
	t.svc = nil
	return nil
}

package target

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/config"
	"github.com/korgalore/korgalore/internal/httpx"
	"github.com/korgalore/korgalore/internal/kerrors"
)

const jmapUsing = `["urn:ietf:params:jmap:core","urn:ietf:params:jmap:mail"]`

// JMAP delivers messages over the JMAP mail protocol with bearer-token
// authentication. Labels map to mailboxes by name or role.
type JMAP struct {
	id       string
	server   string
	username string
	token    string
	timeout  time.Duration

	// Session state, populated by Connect.
	accountID string
	apiURL    string
	uploadURL string

	// Lowercased mailbox name and role to mailbox id, fetched once.
	mailboxMap map[string]string
}

// NewJMAP validates the configuration and loads the bearer token. A
// literal token takes precedence over token_file.
func NewJMAP(id string, cfg config.Target) (*JMAP, error) {
	if cfg.Server == "" {
		return nil, kerrors.Configuration("no server specified for JMAP target %q", id)
	}
	if cfg.Username == "" {
		return nil, kerrors.Configuration("no username specified for JMAP target %q", id)
	}
	timeout := 60 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	t := &JMAP{
		id:       id,
		server:   strings.TrimRight(cfg.Server, "/"),
		username: cfg.Username,
		timeout:  timeout,
	}
	switch {
	case cfg.Token != "":
		t.token = cfg.Token
	case cfg.TokenFile != "":
		data, err := os.ReadFile(expandHome(cfg.TokenFile))
		if err != nil {
			return nil, kerrors.Configuration(
				"token file not found for JMAP target %q: %v", id, err)
		}
		t.token = strings.TrimSpace(string(data))
	default:
		return nil, kerrors.Configuration(
			"no token or token_file specified for JMAP target %q", id)
	}
	return t, nil
}

func (t *JMAP) ID() string   { return t.id }
func (t *JMAP) Type() string { return "jmap" }

// DefaultLabels delivers into the inbox when the delivery names no
// labels.
func (t *JMAP) DefaultLabels() []string { return []string{"INBOX"} }

type jmapSession struct {
	APIURL    string `json:"apiUrl"`
	UploadURL string `json:"uploadUrl"`
	Accounts  map[string]struct {
		Name string `json:"name"`
	} `json:"accounts"`
}

// Connect discovers the JMAP session: API and upload URLs plus the
// account id whose name matches the configured username. Idempotent.
func (t *JMAP) Connect() error {
	if t.accountID != "" {
		return nil
	}
	req, err := http.NewRequest(http.MethodGet, t.server+"/jmap/session", nil)
	if err != nil {
		return kerrors.Remote("discovering JMAP session for %s: %v", t.server, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	var session jmapSession
	if err := t.doJSON(req, &session); err != nil {
		return kerrors.Remote("discovering JMAP session for %s: %v", t.server, err)
	}
	if session.APIURL == "" || session.UploadURL == "" {
		return kerrors.Remote(
			"JMAP session for %s is missing apiUrl or uploadUrl", t.server)
	}
	accountID := ""
	for id, acc := range session.Accounts {
		if acc.Name == t.username {
			accountID = id
			break
		}
	}
	if accountID == "" {
		return kerrors.Configuration(
			"account %q not found on JMAP server %s", t.username, t.server)
	}
	t.accountID = accountID
	t.apiURL = session.APIURL
	t.uploadURL = strings.ReplaceAll(session.UploadURL, "{accountId}", accountID)
	zap.L().Debug("JMAP session discovered",
		zap.String("target", t.id),
		zap.String("account", accountID))
	return nil
}

// doJSON sends the request with the configured timeout and decodes the
// JSON body into out.
func (t *JMAP) doJSON(req *http.Request, out any) error {
	c := *httpx.Client()
	c.Timeout = t.timeout
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s",
			resp.Status, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// call performs one JMAP API request and returns the methodResponses
// arguments object for the named method.
func (t *JMAP) call(body string, method string) (json.RawMessage, error) {
	req, err := http.NewRequest(http.MethodPost, t.apiURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		MethodResponses []json.RawMessage `json:"methodResponses"`
	}
	if err := t.doJSON(req, &resp); err != nil {
		return nil, err
	}
	for _, mr := range resp.MethodResponses {
		var parts []json.RawMessage
		if err := json.Unmarshal(mr, &parts); err != nil || len(parts) < 2 {
			continue
		}
		var name string
		if err := json.Unmarshal(parts[0], &name); err != nil {
			continue
		}
		if name == method {
			return parts[1], nil
		}
	}
	return nil, fmt.Errorf("no %s in JMAP response", method)
}

// Mailbox describes one mailbox on the server.
type Mailbox struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// ListMailboxes fetches all mailboxes for the account in one
// Mailbox/query plus Mailbox/get round trip.
func (t *JMAP) ListMailboxes() ([]Mailbox, error) {
	if err := t.Connect(); err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`{"using":%s,"methodCalls":[`+
		`["Mailbox/query",{"accountId":%q},"call-0"],`+
		`["Mailbox/get",{"accountId":%q,"#ids":{"resultOf":"call-0",`+
		`"name":"Mailbox/query","path":"/ids"}},"call-1"]]}`,
		jmapUsing, t.accountID, t.accountID)
	args, err := t.call(body, "Mailbox/get")
	if err != nil {
		return nil, kerrors.Remote("listing mailboxes on %s: %v", t.server, err)
	}
	var got struct {
		List []Mailbox `json:"list"`
	}
	if err := json.Unmarshal(args, &got); err != nil {
		return nil, kerrors.Remote("listing mailboxes on %s: %v", t.server, err)
	}
	return got.List, nil
}

// translateLabels maps label names to mailbox ids, matching mailbox
// names and roles case-insensitively. The map is fetched once per
// process.
func (t *JMAP) translateLabels(labels []string) ([]string, error) {
	if t.mailboxMap == nil {
		mailboxes, err := t.ListMailboxes()
		if err != nil {
			return nil, err
		}
		m := make(map[string]string, len(mailboxes)*2)
		for _, mb := range mailboxes {
			if mb.Name != "" {
				m[strings.ToLower(mb.Name)] = mb.ID
			}
			if mb.Role != "" {
				m[strings.ToLower(mb.Role)] = mb.ID
			}
		}
		t.mailboxMap = m
	}
	ids := make([]string, 0, len(labels))
	for _, label := range labels {
		id, ok := t.mailboxMap[strings.ToLower(label)]
		if !ok {
			return nil, kerrors.Configuration(
				"mailbox %q not found on JMAP server %s", label, t.server)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// uploadBlob posts the raw message to the per-account upload URL and
// returns the blob id.
func (t *JMAP) uploadBlob(raw []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, t.uploadURL, bytes.NewReader(raw))
	if err != nil {
		return "", kerrors.Remote("uploading message blob to %s: %v", t.server, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "message/rfc822")

	var got struct {
		BlobID string `json:"blobId"`
	}
	if err := t.doJSON(req, &got); err != nil {
		return "", kerrors.Remote("uploading message blob to %s: %v", t.server, err)
	}
	if got.BlobID == "" {
		return "", kerrors.Remote("no blobId in upload response from %s", t.server)
	}
	return got.BlobID, nil
}

// ImportMessage uploads the raw bytes as a blob, then imports it into
// the mailboxes named by the labels. A server-side alreadyExists is
// success and yields the existing message id. The subfolder is ignored.
func (t *JMAP) ImportMessage(raw []byte, labels []string, subfolder string) (Result, error) {
	if err := t.Connect(); err != nil {
		return Result{}, err
	}
	if len(labels) == 0 {
		labels = t.DefaultLabels()
	}
	mailboxIDs, err := t.translateLabels(labels)
	if err != nil {
		return Result{}, err
	}
	blobID, err := t.uploadBlob(raw)
	if err != nil {
		return Result{}, err
	}

	ids := map[string]bool{}
	for _, id := range mailboxIDs {
		ids[id] = true
	}
	call := []any{
		"Email/import",
		map[string]any{
			"accountId": t.accountID,
			"emails": map[string]any{
				"msg1": map[string]any{
					"blobId":     blobID,
					"mailboxIds": ids,
					"keywords":   map[string]bool{},
				},
			},
		},
		"call-0",
	}
	body, err := json.Marshal(map[string]any{
		"using":       []string{"urn:ietf:params:jmap:core", "urn:ietf:params:jmap:mail"},
		"methodCalls": []any{call},
	})
	if err != nil {
		return Result{}, kerrors.Remote("importing message to %s: %v", t.server, err)
	}
	args, err := t.call(string(body), "Email/import")
	if err != nil {
		return Result{}, kerrors.Remote("importing message to %s: %v", t.server, err)
	}

	var got struct {
		Created map[string]struct {
			ID string `json:"id"`
		} `json:"created"`
		NotCreated map[string]struct {
			Type        string `json:"type"`
			ExistingID  string `json:"existingId"`
			Description string `json:"description"`
		} `json:"notCreated"`
	}
	if err := json.Unmarshal(args, &got); err != nil {
		return Result{}, kerrors.Remote("importing message to %s: %v", t.server, err)
	}
	if created, ok := got.Created["msg1"]; ok {
		return Result{ID: created.ID}, nil
	}
	if nc, ok := got.NotCreated["msg1"]; ok {
		if nc.Type == "alreadyExists" {
			zap.L().Debug("message already on server",
				zap.String("target", t.id), zap.String("id", nc.ExistingID))
			return Result{ID: nc.ExistingID}, nil
		}
		return Result{}, kerrors.Remote("Email/import failed on %s: %s (%s)",
			t.server, nc.Type, nc.Description)
	}
	return Result{}, kerrors.Remote("unexpected JMAP response from %s", t.server)
}

// Disconnect drops the cached session so the next use rediscovers it.
func (t *JMAP) Disconnect() error {
	t.accountID = ""
	t.apiURL = ""
	t.uploadURL = ""
	t.mailboxMap = nil
	return nil
}

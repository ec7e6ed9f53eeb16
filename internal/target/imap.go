package target

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/config"
	"github.com/korgalore/korgalore/internal/kerrors"
	"github.com/korgalore/korgalore/internal/message"
	"github.com/korgalore/korgalore/internal/msoauth"
)

// IMAP delivers messages into one folder of an IMAP mailbox over SSL.
// Deduplication searches the folder for the Message-ID before APPEND.
type IMAP struct {
	id       string
	server   string
	username string
	folder   string
	timeout  time.Duration

	password string
	oauth    *msoauth.Authenticator

	client *client.Client
}

// NewIMAP validates the configuration and resolves credentials. OAuth2
// targets default their token file under the config directory.
func NewIMAP(id string, cfg config.Target, configDir string, interactive bool) (*IMAP, error) {
	if cfg.Server == "" {
		return nil, kerrors.Configuration("no server specified for IMAP target %q", id)
	}
	if cfg.Username == "" {
		return nil, kerrors.Configuration("no username specified for IMAP target %q", id)
	}
	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	timeout := 60 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	t := &IMAP{
		id:       id,
		server:   cfg.Server,
		username: cfg.Username,
		folder:   folder,
		timeout:  timeout,
	}

	authType := cfg.AuthType
	if authType == "" {
		authType = "password"
	}
	switch authType {
	case "oauth2":
		tokenFile := cfg.Token
		if tokenFile == "" {
			tokenFile = filepath.Join(configDir,
				fmt.Sprintf("imap-%s-oauth2-token.json", id))
		}
		t.oauth = msoauth.New(id, cfg.Username, cfg.ClientID,
			expandHome(tokenFile), cfg.Tenant, interactive)
	case "password":
		switch {
		case cfg.Password != "":
			t.password = cfg.Password
		case cfg.PasswordFile != "":
			data, err := os.ReadFile(expandHome(cfg.PasswordFile))
			if err != nil {
				return nil, kerrors.Configuration(
					"password file for IMAP target %q: %v", id, err)
			}
			t.password = strings.TrimRight(string(data), " \t\r\n")
		default:
			return nil, kerrors.Configuration(
				"no password or password_file specified for IMAP target %q", id)
		}
	default:
		return nil, kerrors.Configuration(
			"invalid auth_type %q for IMAP target %q, must be password or oauth2",
			authType, id)
	}
	return t, nil
}

func (t *IMAP) ID() string   { return t.id }
func (t *IMAP) Type() string { return "imap" }

func (t *IMAP) DefaultLabels() []string { return nil }

// NeedsAuth reports whether the OAuth2 token is missing or unusable.
func (t *IMAP) NeedsAuth() bool {
	return t.oauth != nil && t.oauth.NeedsAuth()
}

// Reauthenticate runs the browser flow and drops the connection so the
// next use reconnects with fresh credentials.
func (t *IMAP) Reauthenticate(ctx context.Context) error {
	if t.oauth == nil {
		return kerrors.Configuration(
			"target %q is not configured for OAuth2 authentication", t.id)
	}
	if err := t.oauth.Reauthenticate(ctx); err != nil {
		return err
	}
	t.dropConnection()
	return nil
}

// Connect dials the server on port 993, authenticates, and verifies the
// folder exists. Folders are never auto-created.
func (t *IMAP) Connect() error {
	if t.client != nil {
		return nil
	}
	addr := t.server
	if !strings.Contains(addr, ":") {
		addr += ":993"
	}
	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return kerrors.Remote("connecting to IMAP server %s: %v", t.server, err)
	}
	c.Timeout = t.timeout

	if t.oauth != nil {
		authString, err := t.oauth.XOAUTH2String(context.Background())
		if err != nil {
			c.Logout()
			return err
		}
		if err := c.Authenticate(newXOAUTH2Client(authString)); err != nil {
			c.Logout()
			return kerrors.Remote(
				"IMAP XOAUTH2 authentication failed for %s: %v", t.server, err)
		}
	} else {
		if err := c.Login(t.username, t.password); err != nil {
			c.Logout()
			return kerrors.Remote(
				"IMAP authentication failed for %s: %v", t.server, err)
		}
	}

	if _, err := c.Select(t.folder, true); err != nil {
		c.Logout()
		return kerrors.Configuration(
			"folder %q does not exist on IMAP server %s: %v", t.folder, t.server, err)
	}
	t.client = c
	zap.L().Debug("IMAP target connected",
		zap.String("target", t.id),
		zap.String("server", t.server),
		zap.String("folder", t.folder))
	return nil
}

// messageExists searches the folder for the Message-ID. Search failures
// fail open so a flaky SEARCH does not block delivery.
func (t *IMAP) messageExists(messageID string) bool {
	if _, err := t.client.Select(t.folder, true); err != nil {
		zap.L().Debug("IMAP select for dedup search failed",
			zap.String("target", t.id), zap.Error(err))
		return false
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", messageID)
	ids, err := t.client.Search(criteria)
	if err != nil {
		zap.L().Debug("IMAP dedup search failed",
			zap.String("target", t.id), zap.Error(err))
		return false
	}
	return len(ids) > 0
}

// ImportMessage appends the message to the folder unless the Message-ID
// is already present. Flags stay empty so the message arrives unread, and
// the internal date is left to the server. Labels are ignored.
func (t *IMAP) ImportMessage(raw []byte, labels []string, subfolder string) (Result, error) {
	if err := t.Connect(); err != nil {
		return Result{}, err
	}
	if msgid := message.New(raw).MessageID(); msgid != "" && t.messageExists(msgid) {
		zap.L().Debug("message already in folder, skipping",
			zap.String("target", t.id), zap.String("msgid", msgid))
		return Result{Skipped: true}, nil
	}
	if err := t.client.Append(t.folder, nil, time.Time{}, bytes.NewBuffer(raw)); err != nil {
		return Result{}, kerrors.Remote(
			"appending to folder %q on %s: %v", t.folder, t.server, err)
	}
	return Result{}, nil
}

func (t *IMAP) dropConnection() {
	if t.client != nil {
		if err := t.client.Logout(); err != nil {
			zap.L().Debug("IMAP logout failed",
				zap.String("target", t.id), zap.Error(err))
		}
		t.client = nil
	}
}

// Disconnect closes the connection so it does not linger between pull
// cycles.
func (t *IMAP) Disconnect() error {
	t.dropConnection()
	return nil
}

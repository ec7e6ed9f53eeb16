package target

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/korgalore/korgalore/internal/config"
	"github.com/korgalore/korgalore/internal/kerrors"
)

// jmapServer fakes session discovery, blob upload and the API endpoint.
type jmapServer struct {
	srv *httptest.Server

	accountName string
	uploaded    [][]byte
	imports     []map[string]any

	importResponse func() string
}

func newJMAPServer(t *testing.T, accountName string) *jmapServer {
	t.Helper()
	js := &jmapServer{accountName: accountName}
	mux := http.NewServeMux()
	mux.HandleFunc("/jmap/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{
			"apiUrl": %q,
			"uploadUrl": %q,
			"accounts": {
				"acc-123": {"name": %q},
				"acc-456": {"name": "other@example.com"}
			}
		}`, js.srv.URL+"/api", js.srv.URL+"/upload/{accountId}", js.accountName)
	})
	mux.HandleFunc("/upload/acc-123", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "message/rfc822" {
			t.Errorf("upload Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		js.uploaded = append(js.uploaded, body)
		fmt.Fprintf(w, `{"blobId": "blob-%d"}`, len(js.uploaded))
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MethodCalls []json.RawMessage `json:"methodCalls"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding API request: %v", err)
		}
		var first []json.RawMessage
		json.Unmarshal(req.MethodCalls[0], &first)
		var method string
		json.Unmarshal(first[0], &method)
		switch method {
		case "Mailbox/query":
			fmt.Fprint(w, `{"methodResponses": [
				["Mailbox/query", {"ids": ["mb-1", "mb-2", "mb-3"]}, "call-0"],
				["Mailbox/get", {"list": [
					{"id": "mb-1", "name": "Inbox", "role": "inbox"},
					{"id": "mb-2", "name": "Sent", "role": "sent"},
					{"id": "mb-3", "name": "Archive", "role": ""}
				]}, "call-1"]
			]}`)
		case "Email/import":
			var args map[string]any
			json.Unmarshal(first[1], &args)
			js.imports = append(js.imports, args)
			if js.importResponse != nil {
				fmt.Fprint(w, js.importResponse())
				return
			}
			fmt.Fprint(w, `{"methodResponses": [
				["Email/import", {"created": {"msg1": {"id": "email-456"}}}, "call-0"]
			]}`)
		default:
			t.Errorf("unexpected JMAP method %q", method)
		}
	})
	js.srv = httptest.NewServer(mux)
	t.Cleanup(js.srv.Close)
	return js
}

func newTestJMAP(t *testing.T, js *jmapServer) *JMAP {
	t.Helper()
	target, err := NewJMAP("jt", config.Target{
		Server:   js.srv.URL,
		Username: "user@example.com",
		Token:    "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	return target
}

func TestNewJMAPValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Target
	}{
		{"missing server", config.Target{Username: "u", Token: "t"}},
		{"missing username", config.Target{Server: "s", Token: "t"}},
		{"missing token", config.Target{Server: "s", Username: "u"}},
		{"missing token file", config.Target{
			Server: "s", Username: "u", TokenFile: "/nonexistent/token"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJMAP("jt", tt.cfg)
			if !errors.Is(err, kerrors.ErrConfiguration) {
				t.Fatalf("want configuration error, got %v", err)
			}
		})
	}
}

func TestNewJMAPTokenFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("  file-token \n\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	target, err := NewJMAP("jt", config.Target{
		Server: "https://api.example.com/", Username: "u", TokenFile: tokenFile,
	})
	if err != nil {
		t.Fatal(err)
	}
	if target.token != "file-token" {
		t.Errorf("token = %q, want whitespace stripped", target.token)
	}
	if target.server != "https://api.example.com" {
		t.Errorf("server = %q, trailing slash should be stripped", target.server)
	}
}

func TestJMAPConnect(t *testing.T) {
	js := newJMAPServer(t, "user@example.com")
	target := newTestJMAP(t, js)

	if err := target.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if target.accountID != "acc-123" {
		t.Errorf("accountID = %q", target.accountID)
	}
	if target.uploadURL != js.srv.URL+"/upload/acc-123" {
		t.Errorf("uploadURL = %q, account id not substituted", target.uploadURL)
	}
	// Second Connect must not rediscover.
	if err := target.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
}

func TestJMAPConnectAccountNotFound(t *testing.T) {
	js := newJMAPServer(t, "somebody-else@example.com")
	target := newTestJMAP(t, js)
	if err := target.Connect(); !errors.Is(err, kerrors.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestJMAPConnectBadSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"uploadUrl": "u"}`)
		}))
	defer srv.Close()
	target, err := NewJMAP("jt", config.Target{
		Server: srv.URL, Username: "u", Token: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := target.Connect(); !errors.Is(err, kerrors.ErrRemote) {
		t.Fatalf("want remote error, got %v", err)
	}
}

func TestJMAPImportMessage(t *testing.T) {
	js := newJMAPServer(t, "user@example.com")
	target := newTestJMAP(t, js)

	raw := []byte("From: a@b\r\n\r\nbody\r\n")
	res, err := target.ImportMessage(raw, []string{"Inbox", "archive"}, "")
	if err != nil {
		t.Fatalf("ImportMessage: %v", err)
	}
	if res.ID != "email-456" {
		t.Errorf("result id = %q", res.ID)
	}
	if len(js.uploaded) != 1 || string(js.uploaded[0]) != string(raw) {
		t.Errorf("uploaded blob = %q", js.uploaded)
	}

	emails := js.imports[0]["emails"].(map[string]any)
	msg1 := emails["msg1"].(map[string]any)
	if msg1["blobId"] != "blob-1" {
		t.Errorf("blobId = %v", msg1["blobId"])
	}
	ids := msg1["mailboxIds"].(map[string]any)
	if len(ids) != 2 || ids["mb-1"] != true || ids["mb-3"] != true {
		t.Errorf("mailboxIds = %v", ids)
	}
}

func TestJMAPImportDefaultLabels(t *testing.T) {
	js := newJMAPServer(t, "user@example.com")
	target := newTestJMAP(t, js)

	if _, err := target.ImportMessage([]byte("x"), nil, ""); err != nil {
		t.Fatalf("ImportMessage: %v", err)
	}
	emails := js.imports[0]["emails"].(map[string]any)
	ids := emails["msg1"].(map[string]any)["mailboxIds"].(map[string]any)
	if len(ids) != 1 || ids["mb-1"] != true {
		t.Errorf("mailboxIds = %v, want the inbox", ids)
	}
}

func TestJMAPImportUnknownLabel(t *testing.T) {
	js := newJMAPServer(t, "user@example.com")
	target := newTestJMAP(t, js)

	_, err := target.ImportMessage([]byte("x"), []string{"nonexistent"}, "")
	if !errors.Is(err, kerrors.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestJMAPImportAlreadyExists(t *testing.T) {
	js := newJMAPServer(t, "user@example.com")
	js.importResponse = func() string {
		return `{"methodResponses": [
			["Email/import", {"notCreated": {"msg1": {
				"type": "alreadyExists", "existingId": "existing-789"
			}}}, "call-0"]
		]}`
	}
	target := newTestJMAP(t, js)

	res, err := target.ImportMessage([]byte("x"), []string{"inbox"}, "")
	if err != nil {
		t.Fatalf("ImportMessage: %v", err)
	}
	if res.ID != "existing-789" {
		t.Errorf("result id = %q, want the existing id", res.ID)
	}
}

func TestJMAPImportFailure(t *testing.T) {
	js := newJMAPServer(t, "user@example.com")
	js.importResponse = func() string {
		return `{"methodResponses": [
			["Email/import", {"notCreated": {"msg1": {
				"type": "invalidEmail", "description": "bad message"
			}}}, "call-0"]
		]}`
	}
	target := newTestJMAP(t, js)

	if _, err := target.ImportMessage([]byte("x"), []string{"inbox"}, ""); !errors.Is(err, kerrors.ErrRemote) {
		t.Fatalf("want remote error, got %v", err)
	}
}

func TestJMAPImportUnexpectedResponse(t *testing.T) {
	js := newJMAPServer(t, "user@example.com")
	js.importResponse = func() string {
		return `{"methodResponses": [["Email/import", {}, "call-0"]]}`
	}
	target := newTestJMAP(t, js)

	if _, err := target.ImportMessage([]byte("x"), []string{"inbox"}, ""); !errors.Is(err, kerrors.ErrRemote) {
		t.Fatalf("want remote error, got %v", err)
	}
}

func TestJMAPListMailboxes(t *testing.T) {
	js := newJMAPServer(t, "user@example.com")
	target := newTestJMAP(t, js)

	mailboxes, err := target.ListMailboxes()
	if err != nil {
		t.Fatal(err)
	}
	if len(mailboxes) != 3 {
		t.Fatalf("got %d mailboxes", len(mailboxes))
	}
	if mailboxes[0].Name != "Inbox" || mailboxes[0].ID != "mb-1" {
		t.Errorf("mailboxes[0] = %+v", mailboxes[0])
	}
}

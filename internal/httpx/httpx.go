// Package httpx owns the shared HTTP client used for all outbound requests.
// Every request carries the korgalore User-Agent, optionally extended with a
// user-supplied identifier from main.user_agent_plus.
package httpx

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Version is the korgalore release version, stamped into the User-Agent and
// the X-Korgalore-Trace header.
const Version = "0.5"

var (
	mu        sync.Mutex
	userAgent = "korgalore/" + Version
	client    *http.Client
)

// SetUserAgentID appends +id to the User-Agent string. Replaces any
// previously set identifier.
func SetUserAgentID(id string) {
	mu.Lock()
	defer mu.Unlock()
	if id == "" {
		userAgent = "korgalore/" + Version
	} else {
		userAgent = fmt.Sprintf("korgalore/%s+%s", Version, id)
	}
	client = nil
}

// UserAgent returns the current User-Agent string.
func UserAgent() string {
	mu.Lock()
	defer mu.Unlock()
	return userAgent
}

// uaTransport stamps the User-Agent header on every request.
type uaTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

// Client returns the shared HTTP client. Created lazily so that
// SetUserAgentID calls during startup take effect.
func Client() *http.Client {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		client = &http.Client{
			Timeout:   60 * time.Second,
			Transport: &uaTransport{base: http.DefaultTransport, ua: userAgent},
		}
	}
	return client
}

// CloseIdleConnections drops any pooled connections. Called at the end of a
// pull cycle; credentials are file-backed and recoverable, connections are
// not worth keeping across cycles.
func CloseIdleConnections() {
	mu.Lock()
	c := client
	mu.Unlock()
	if c != nil {
		c.CloseIdleConnections()
	}
}

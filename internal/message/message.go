// Package message wraps raw RFC 5322 bytes with lazy header parsing,
// line-ending canonicalization and provenance annotation. Git stores
// public-inbox messages with LF endings; mail protocols want CRLF.
package message

import (
	"bytes"
	"strings"
	"sync"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/korgalore/korgalore/internal/httpx"
)

// TraceHeader is injected before delivery so a message in a mailbox can be
// traced back to the (feed, delivery) binding that produced it.
const TraceHeader = "X-Korgalore-Trace"

// maxHeaderLine is the fold width for the trace header.
const maxHeaderLine = 75

// Raw is an immutable container around raw message bytes. Header access is
// parsed lazily and cached; parse failures yield empty values, never errors.
type Raw struct {
	raw []byte

	once   sync.Once
	entity *gomessage.Entity

	msgidOnce sync.Once
	msgid     string

	fromOnce sync.Once
	from     string
}

// New wraps raw message bytes.
func New(raw []byte) *Raw {
	return &Raw{raw: raw}
}

// Bytes returns the original raw bytes.
func (m *Raw) Bytes() []byte { return m.raw }

// parse runs the go-message parser once. Unknown charsets and similar
// recoverable problems still produce a usable header section.
func (m *Raw) parse() *gomessage.Entity {
	m.once.Do(func() {
		e, err := gomessage.Read(bytes.NewReader(m.raw))
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return
		}
		m.entity = e
	})
	return m.entity
}

// header returns the named header value, using the parsed entity when
// available and a raw scan otherwise.
func (m *Raw) header(name string) string {
	if e := m.parse(); e != nil {
		if v := e.Header.Get(name); v != "" {
			return v
		}
	}
	return scanHeader(m.raw, name)
}

// MessageID returns the stripped Message-ID header, angle brackets
// included, or "" when absent. Cached after first access.
func (m *Raw) MessageID() string {
	m.msgidOnce.Do(func() {
		m.msgid = strings.TrimSpace(m.header("Message-Id"))
	})
	return m.msgid
}

// Subject returns the Subject header or "(no subject)" when absent,
// matching what the delivery state file records.
func (m *Raw) Subject() string {
	s := strings.TrimSpace(m.header("Subject"))
	if s == "" {
		return "(no subject)"
	}
	return s
}

// FromAddr returns the lowercase address portion of the From header, or ""
// when it cannot be parsed. Used for bozofilter matching only.
func (m *Raw) FromAddr() string {
	m.fromOnce.Do(func() {
		if e := m.parse(); e != nil {
			mh := mail.Header{Header: e.Header}
			if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
				m.from = strings.ToLower(addrs[0].Address)
				return
			}
		}
		m.from = strings.ToLower(crudeAddr(m.header("From")))
	})
	return m.from
}

// AsBytes returns the bytes to hand to a target: all line endings
// normalized to CRLF, with a trace header injected before the header/body
// separator when both names are given. Normalization first collapses CRLF
// to LF and then expands every LF, so it is idempotent.
func (m *Raw) AsBytes(feedName, deliveryName string) []byte {
	normalized := bytes.ReplaceAll(m.raw, []byte("\r\n"), []byte("\n"))
	if feedName != "" && deliveryName != "" {
		normalized = injectTrace(normalized, feedName, deliveryName, time.Now())
	}
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
}

// injectTrace inserts the folded trace header right before the blank line
// separating headers from body. The input has LF endings.
func injectTrace(msg []byte, feedName, deliveryName string, now time.Time) []byte {
	value := "from feed=" + feedName + " for delivery=" + deliveryName +
		"; v" + httpx.Version + "; " + now.Format(time.RFC1123Z)
	header := foldHeader(TraceHeader, value) + "\n"

	boundary := bytes.Index(msg, []byte("\n\n"))
	if boundary == -1 {
		// Headers only, no body.
		return append(msg, []byte(header)...)
	}
	out := make([]byte, 0, len(msg)+len(header))
	out = append(out, msg[:boundary+1]...)
	out = append(out, []byte(header)...)
	out = append(out, msg[boundary+1:]...)
	return out
}

// foldHeader wraps a header value so no physical line exceeds
// maxHeaderLine characters. Continuation lines begin with a single space.
func foldHeader(name, value string) string {
	line := name + ": " + value
	if len(line) <= maxHeaderLine {
		return line
	}

	var lines []string
	current := name + ":"
	empty := true
	for _, word := range strings.Split(value, " ") {
		candidate := current + " " + word
		if !empty && len(candidate) > maxHeaderLine {
			lines = append(lines, current)
			current = " " + word
			continue
		}
		current = candidate
		empty = false
	}
	lines = append(lines, current)
	return strings.Join(lines, "\n")
}

// scanHeader extracts a header value directly from raw bytes, handling
// folded continuation lines. Fallback for messages go-message rejects.
func scanHeader(raw []byte, name string) string {
	headers := raw
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		headers = raw[:i]
	} else if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		headers = raw[:i]
	}
	lines := strings.Split(string(headers), "\n")
	prefix := strings.ToLower(name) + ":"
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(strings.ToLower(line), prefix) {
			continue
		}
		value := strings.TrimSpace(line[len(prefix):])
		for j := i + 1; j < len(lines); j++ {
			cont := strings.TrimRight(lines[j], "\r")
			if len(cont) == 0 || (cont[0] != ' ' && cont[0] != '\t') {
				break
			}
			value += " " + strings.TrimSpace(cont)
		}
		return value
	}
	return ""
}

// crudeAddr pulls the addr-spec out of a From header value when the proper
// parser fails: the angle-bracketed part if present, the whole value
// otherwise.
func crudeAddr(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.Index(from[i:], ">"); j > 0 {
			return strings.TrimSpace(from[i+1 : i+j])
		}
	}
	return from
}

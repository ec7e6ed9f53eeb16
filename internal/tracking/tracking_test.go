package tracking

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/korgalore/korgalore/internal/kerrors"
)

func newTestManifest(t *testing.T) (*Manifest, string) {
	t.Helper()
	dir := t.TempDir()
	m := Load(dir)
	m.now = func() time.Time {
		return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	}
	return m, dir
}

func addThread(t *testing.T, m *Manifest, id string) *Thread {
	t.Helper()
	th, err := m.Add(id, "<"+id+"@example.com>", "some patch", "gm",
		[]string{"lkml"}, m.SearchPath(id))
	if err != nil {
		t.Fatal(err)
	}
	return th
}

func TestAddAndReload(t *testing.T) {
	m, dir := newTestManifest(t)
	addThread(t, m, "abcd1234")

	reloaded := Load(dir)
	th, err := reloaded.Get("abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	if th.MsgID != "<abcd1234@example.com>" || th.Subject != "some patch" {
		t.Errorf("reloaded thread = %+v", th)
	}
	if th.Status != StatusActive {
		t.Errorf("status = %q, want active", th.Status)
	}
	if th.TrackID != "abcd1234" {
		t.Errorf("track id = %q", th.TrackID)
	}
	if th.LeiPath != filepath.Join(dir, "lei", "abcd1234") {
		t.Errorf("lei path = %q", th.LeiPath)
	}
}

func TestLoadMissingManifest(t *testing.T) {
	m := Load(t.TempDir())
	if len(m.All()) != 0 {
		t.Errorf("fresh manifest holds %d threads", len(m.All()))
	}
}

func TestLoadCorruptManifestStartsFresh(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tracking.json"),
		[]byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := Load(dir)
	if len(m.All()) != 0 {
		t.Errorf("corrupt manifest should start fresh, got %d threads", len(m.All()))
	}
}

func TestPauseResume(t *testing.T) {
	m, _ := newTestManifest(t)
	addThread(t, m, "aaaa0000")

	if err := m.Pause("aaaa0000"); err != nil {
		t.Fatal(err)
	}
	if th, _ := m.Get("aaaa0000"); th.Status != StatusPaused {
		t.Errorf("status after pause = %q", th.Status)
	}
	if got := len(m.Active()); got != 0 {
		t.Errorf("paused thread still active, Active() = %d", got)
	}

	if err := m.Resume("aaaa0000"); err != nil {
		t.Fatal(err)
	}
	if th, _ := m.Get("aaaa0000"); th.Status != StatusActive {
		t.Errorf("status after resume = %q", th.Status)
	}
}

func TestUnknownTrackID(t *testing.T) {
	m, _ := newTestManifest(t)
	if err := m.Pause("nope"); !errors.Is(err, kerrors.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestRemoveWithData(t *testing.T) {
	m, _ := newTestManifest(t)
	th := addThread(t, m, "bbbb1111")
	if err := os.MkdirAll(th.LeiPath, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove("bbbb1111", true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("bbbb1111"); err == nil {
		t.Error("thread still present after remove")
	}
	if _, err := os.Stat(th.LeiPath); !os.IsNotExist(err) {
		t.Error("lei search data not deleted")
	}
}

func TestExpireStale(t *testing.T) {
	m, _ := newTestManifest(t)
	addThread(t, m, "old00000")
	addThread(t, m, "new00000")

	// Backdate one thread past the expiry window.
	old, _ := m.Get("old00000")
	old.LastNewMessage = m.now().AddDate(0, 0, -31)

	expired, err := m.ExpireStale()
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0] != "old00000" {
		t.Fatalf("expired = %v", expired)
	}
	if th, _ := m.Get("old00000"); th.Status != StatusInactive {
		t.Errorf("expired thread status = %q", th.Status)
	}
	if th, _ := m.Get("new00000"); th.Status != StatusActive {
		t.Errorf("fresh thread status = %q", th.Status)
	}

	// Paused threads never expire.
	if err := m.Pause("new00000"); err != nil {
		t.Fatal(err)
	}
	if expired, _ := m.ExpireStale(); len(expired) != 0 {
		t.Errorf("second pass expired %v", expired)
	}
}

func TestUpdateActivity(t *testing.T) {
	m, _ := newTestManifest(t)
	addThread(t, m, "cccc2222")

	base := m.now()
	m.now = func() time.Time { return base.Add(time.Hour) }

	if err := m.UpdateActivity("cccc2222", 0); err != nil {
		t.Fatal(err)
	}
	th, _ := m.Get("cccc2222")
	if !th.LastUpdate.Equal(base.Add(time.Hour)) {
		t.Errorf("last_update = %v", th.LastUpdate)
	}
	if !th.LastNewMessage.Equal(base) {
		t.Errorf("last_new_message moved without new messages: %v", th.LastNewMessage)
	}

	if err := m.UpdateActivity("cccc2222", 3); err != nil {
		t.Fatal(err)
	}
	th, _ = m.Get("cccc2222")
	if th.MessageCount != 3 {
		t.Errorf("message_count = %d", th.MessageCount)
	}
	if !th.LastNewMessage.Equal(base.Add(time.Hour)) {
		t.Errorf("last_new_message = %v", th.LastNewMessage)
	}
}

func TestGetByMsgID(t *testing.T) {
	m, _ := newTestManifest(t)
	addThread(t, m, "dddd3333")

	if th := m.GetByMsgID("<dddd3333@example.com>"); th == nil || th.TrackID != "dddd3333" {
		t.Errorf("GetByMsgID = %+v", th)
	}
	if th := m.GetByMsgID("<other@example.com>"); th != nil {
		t.Errorf("unexpected match %+v", th)
	}
}

func TestNewTrackID(t *testing.T) {
	id := NewTrackID()
	if len(id) != 8 {
		t.Errorf("track id %q has length %d, want 8", id, len(id))
	}
	if id == NewTrackID() {
		t.Error("track ids should be unique")
	}
}

// Package tracking manages the manifest of ephemerally tracked threads.
// Tracked threads live outside the main configuration because they are
// user-driven and short-lived: each one binds a lei thread search to a
// target, and expires automatically when the thread goes quiet.
package tracking

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/kerrors"
)

// ManifestVersion is the current tracking.json schema version.
const ManifestVersion = 1

// expireDays is how long a thread may go without new messages before it
// auto-transitions to inactive.
const expireDays = 30

// Status of a tracked thread.
type Status string

const (
	// StatusActive threads are updated during every pull.
	StatusActive Status = "active"
	// StatusInactive threads were auto-expired and are skipped.
	StatusInactive Status = "inactive"
	// StatusPaused threads were paused by the user and are skipped.
	StatusPaused Status = "paused"
)

// Thread is one tracked email thread.
type Thread struct {
	TrackID        string    `json:"-"`
	MsgID          string    `json:"msgid"`
	Subject        string    `json:"subject"`
	Target         string    `json:"target"`
	Labels         []string  `json:"labels"`
	LeiPath        string    `json:"lei_path"`
	Created        time.Time `json:"created"`
	LastUpdate     time.Time `json:"last_update"`
	LastNewMessage time.Time `json:"last_new_message"`
	Status         Status    `json:"status"`
	MessageCount   int       `json:"message_count"`
}

// NewTrackID generates a short tracking identifier.
func NewTrackID() string {
	return uuid.NewString()[:8]
}

// Manifest is the on-disk ledger of tracked threads, stored as a single
// versioned JSON file under the data directory.
type Manifest struct {
	path       string
	leiBaseDir string
	threads    map[string]*Thread

	now func() time.Time
}

type manifestFile struct {
	Version int                `json:"version"`
	Threads map[string]*Thread `json:"threads"`
}

// Load reads the manifest from the data directory. A missing or corrupt
// manifest starts fresh rather than failing the whole program.
func Load(dataDir string) *Manifest {
	m := &Manifest{
		path:       filepath.Join(dataDir, "tracking.json"),
		leiBaseDir: filepath.Join(dataDir, "lei"),
		threads:    map[string]*Thread{},
		now:        time.Now,
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			zap.L().Warn("failed to load tracking manifest", zap.Error(err))
		}
		return m
	}
	var file manifestFile
	if err := json.Unmarshal(data, &file); err != nil {
		zap.L().Warn("failed to parse tracking manifest", zap.Error(err))
		return m
	}
	if file.Version != ManifestVersion {
		zap.L().Warn("tracking manifest version mismatch",
			zap.Int("got", file.Version), zap.Int("want", ManifestVersion))
	}
	for id, th := range file.Threads {
		th.TrackID = id
		m.threads[id] = th
	}
	return m
}

func (m *Manifest) save() error {
	file := manifestFile{Version: ManifestVersion, Threads: m.threads}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return kerrors.State("encoding tracking manifest: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return kerrors.State("saving tracking manifest: %v", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return kerrors.State("saving tracking manifest: %v", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return kerrors.State("saving tracking manifest: %v", err)
	}
	return nil
}

// SearchPath returns where the lei search for a track id lives.
func (m *Manifest) SearchPath(trackID string) string {
	return filepath.Join(m.leiBaseDir, trackID)
}

// Add records a newly tracked thread. The lei search at leiPath must
// already exist.
func (m *Manifest) Add(trackID, msgid, subject, target string, labels []string, leiPath string) (*Thread, error) {
	now := m.now().UTC()
	th := &Thread{
		TrackID:        trackID,
		MsgID:          msgid,
		Subject:        subject,
		Target:         target,
		Labels:         labels,
		LeiPath:        leiPath,
		Created:        now,
		LastUpdate:     now,
		LastNewMessage: now,
		Status:         StatusActive,
	}
	m.threads[trackID] = th
	if err := m.save(); err != nil {
		return nil, err
	}
	zap.L().Info("started tracking thread",
		zap.String("track_id", trackID), zap.String("subject", subject))
	return th, nil
}

func (m *Manifest) lookup(trackID string) (*Thread, error) {
	th, ok := m.threads[trackID]
	if !ok {
		return nil, kerrors.Configuration("tracked thread %q not found", trackID)
	}
	return th, nil
}

// Remove drops a thread from tracking. With deleteData, the lei search
// directory is removed as well.
func (m *Manifest) Remove(trackID string, deleteData bool) error {
	th, err := m.lookup(trackID)
	if err != nil {
		return err
	}
	if deleteData {
		if err := os.RemoveAll(th.LeiPath); err != nil {
			return fmt.Errorf("deleting search data at %s: %w", th.LeiPath, err)
		}
	}
	delete(m.threads, trackID)
	if err := m.save(); err != nil {
		return err
	}
	zap.L().Info("stopped tracking thread", zap.String("track_id", trackID))
	return nil
}

// Pause stops a thread from being pulled until resumed.
func (m *Manifest) Pause(trackID string) error {
	th, err := m.lookup(trackID)
	if err != nil {
		return err
	}
	th.Status = StatusPaused
	return m.save()
}

// Resume reactivates a paused or expired thread. The activity clock
// restarts so the thread gets a fresh expiry window.
func (m *Manifest) Resume(trackID string) error {
	th, err := m.lookup(trackID)
	if err != nil {
		return err
	}
	th.Status = StatusActive
	th.LastNewMessage = m.now().UTC()
	return m.save()
}

// Get returns the thread for a track id.
func (m *Manifest) Get(trackID string) (*Thread, error) {
	return m.lookup(trackID)
}

// GetByMsgID finds the thread tracking a message id, or nil.
func (m *Manifest) GetByMsgID(msgid string) *Thread {
	for _, th := range m.threads {
		if th.MsgID == msgid {
			return th
		}
	}
	return nil
}

// All returns every tracked thread, oldest first.
func (m *Manifest) All() []*Thread {
	threads := make([]*Thread, 0, len(m.threads))
	for _, th := range m.threads {
		threads = append(threads, th)
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].Created.Before(threads[j].Created)
	})
	return threads
}

// Active returns the threads that participate in pull cycles.
func (m *Manifest) Active() []*Thread {
	var threads []*Thread
	for _, th := range m.All() {
		if th.Status == StatusActive {
			threads = append(threads, th)
		}
	}
	return threads
}

// ExpireStale transitions active threads with no new messages inside the
// expiry window to inactive, returning the expired track ids.
func (m *Manifest) ExpireStale() ([]string, error) {
	cutoff := m.now().UTC().AddDate(0, 0, -expireDays)
	var expired []string
	for id, th := range m.threads {
		if th.Status == StatusActive && th.LastNewMessage.Before(cutoff) {
			th.Status = StatusInactive
			expired = append(expired, id)
			zap.L().Info("auto-expired tracked thread",
				zap.String("track_id", id),
				zap.Time("last_new_message", th.LastNewMessage))
		}
	}
	sort.Strings(expired)
	if len(expired) > 0 {
		if err := m.save(); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// UpdateActivity refreshes a thread's timestamps after a pull cycle.
// Only cycles that delivered new messages reset the expiry window.
func (m *Manifest) UpdateActivity(trackID string, newMessages int) error {
	th, err := m.lookup(trackID)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	th.LastUpdate = now
	if newMessages > 0 {
		th.LastNewMessage = now
		th.MessageCount += newMessages
	}
	return m.save()
}

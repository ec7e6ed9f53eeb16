package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/gitcmd"
	"github.com/korgalore/korgalore/internal/kerrors"
	"github.com/korgalore/korgalore/internal/message"
)

// retryWindow is how long a failing commit is retried before it is moved
// to the rejected ledger.
const retryWindow = 5 * 24 * time.Hour

// base carries the on-disk state machinery shared by both feed variants:
// the feed lock, the feed and delivery state files, the failure ledgers
// and the epoch repository layout.
type base struct {
	key string
	dir string
	url string

	git *gitcmd.Runner
	flk *flock.Flock
	now func() time.Time

	// Per-epoch caches, valid while the feed lock is held.
	branches  map[int]string
	emptyRepo map[int]bool
}

func newBase(key, dir, url string, git *gitcmd.Runner) base {
	return base{
		key:       key,
		dir:       dir,
		url:       url,
		git:       git,
		now:       time.Now,
		branches:  map[int]string{},
		emptyRepo: map[int]bool{},
	}
}

func (b *base) Key() string { return b.key }
func (b *base) Dir() string { return b.dir }
func (b *base) URL() string { return b.url }

// file layout under the feed directory

func (b *base) lockPath() string      { return filepath.Join(b.dir, "korgalore.lock") }
func (b *base) feedStatePath() string { return filepath.Join(b.dir, "korgalore.feed") }
func (b *base) epochDir(n int) string {
	return filepath.Join(b.dir, "git", fmt.Sprintf("%d.git", n))
}
func (b *base) deliveryStatePath(name string) string {
	return filepath.Join(b.dir, "korgalore."+name+".info")
}
func (b *base) failedPath(name string) string {
	return filepath.Join(b.dir, "korgalore."+name+".failed")
}
func (b *base) rejectedPath(name string) string {
	return filepath.Join(b.dir, "korgalore."+name+".rejected")
}

// Lock takes the exclusive advisory lock over the feed directory,
// creating the directory on first use. Blocks until the lock is granted.
func (b *base) Lock() error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return kerrors.State("creating feed dir %s: %v", b.dir, err)
	}
	if b.flk == nil {
		b.flk = flock.New(b.lockPath())
	}
	if err := b.flk.Lock(); err != nil {
		return kerrors.State("locking feed %s: %v", b.key, err)
	}
	return nil
}

// Unlock releases the feed lock and drops the per-cycle caches, so the
// next cycle re-observes repository emptiness and branch names.
func (b *base) Unlock() error {
	b.emptyRepo = map[int]bool{}
	b.branches = map[int]string{}
	if b.flk == nil {
		return nil
	}
	return b.flk.Unlock()
}

// findEpochs enumerates git/<n>.git subdirectories, sorted numerically.
// A missing git directory yields an empty slice.
func (b *base) findEpochs() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(b.dir, "git"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerrors.State("reading epochs of %s: %v", b.key, err)
	}
	var epochs []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".git") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".git"))
		if err != nil || n < 0 {
			zap.L().Debug("ignoring invalid epoch directory",
				zap.String("feed", b.key), zap.String("dir", e.Name()))
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Ints(epochs)
	return epochs, nil
}

// highestEpoch returns the working epoch, or an error when no epoch has
// been cloned yet.
func (b *base) highestEpoch() (int, error) {
	epochs, err := b.findEpochs()
	if err != nil {
		return 0, err
	}
	if len(epochs) == 0 {
		return 0, kerrors.State("feed %s has no epochs", b.key)
	}
	return epochs[len(epochs)-1], nil
}

func (b *base) defaultBranch(epoch int) string {
	if br, ok := b.branches[epoch]; ok {
		return br
	}
	br := b.git.DefaultBranch(b.epochDir(epoch))
	b.branches[epoch] = br
	return br
}

// isEmptyRepo reports whether the epoch repository has no commits yet.
// Cached while the feed lock is held.
func (b *base) isEmptyRepo(epoch int) (bool, error) {
	if v, ok := b.emptyRepo[epoch]; ok {
		return v, nil
	}
	tip, err := b.git.TopCommit(b.epochDir(epoch), b.defaultBranch(epoch))
	if err != nil {
		return false, err
	}
	empty := tip == ""
	b.emptyRepo[epoch] = empty
	return empty, nil
}

// feed state

type feedState struct {
	HighestEpoch     int    `json:"highest_epoch"`
	LatestCommit     string `json:"latest_commit"`
	LastUpdate       string `json:"last_update"`
	UpdateSuccessful bool   `json:"update_successful"`
}

func (b *base) loadFeedState() (*feedState, error) {
	data, err := os.ReadFile(b.feedStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerrors.State("feed %s has no state file", b.key)
		}
		return nil, kerrors.State("reading feed state of %s: %v", b.key, err)
	}
	var st feedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, kerrors.State("parsing feed state of %s: %v", b.key, err)
	}
	return &st, nil
}

// saveFeedState records the current highest epoch and its tip.
func (b *base) saveFeedState(success bool) error {
	st := feedState{
		LastUpdate:       b.now().UTC().Format(time.RFC3339),
		UpdateSuccessful: success,
	}
	if highest, err := b.highestEpoch(); err == nil {
		st.HighestEpoch = highest
		tip, err := b.git.TopCommit(b.epochDir(highest), b.defaultBranch(highest))
		if err != nil {
			return err
		}
		st.LatestCommit = tip
	}
	return writeJSON(b.feedStatePath(), &st)
}

// delivery state

type epochCursor struct {
	Last       string `json:"last"`
	CommitDate string `json:"commit_date"`
	Subject    string `json:"subject"`
	MsgID      string `json:"msgid"`
}

type deliveryState struct {
	Epochs map[string]epochCursor `json:"epochs"`
}

func (b *base) loadDeliveryState(name string) (*deliveryState, error) {
	if err := b.migrateLegacy(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.deliveryStatePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerrors.State("delivery %s has no state for feed %s", name, b.key)
		}
		return nil, kerrors.State("reading delivery state %s/%s: %v", b.key, name, err)
	}
	var st deliveryState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, kerrors.State("parsing delivery state %s/%s: %v", b.key, name, err)
	}
	if st.Epochs == nil {
		st.Epochs = map[string]epochCursor{}
	}
	return &st, nil
}

func (b *base) saveDeliveryState(name string, st *deliveryState) error {
	return writeJSON(b.deliveryStatePath(name), st)
}

// migrateLegacy upgrades the single-delivery state layout (korgalore.info
// and friends at the feed root) to the per-delivery names. The original
// files are preserved with a .pre-migration suffix.
func (b *base) migrateLegacy(name string) error {
	if _, err := os.Stat(b.deliveryStatePath(name)); err == nil {
		return nil
	}
	legacy := filepath.Join(b.dir, "korgalore.info")
	data, err := os.ReadFile(legacy)
	if err != nil {
		return nil // nothing to migrate
	}

	var st deliveryState
	if err := json.Unmarshal(data, &st); err != nil || st.Epochs == nil {
		// Pre-epochs flat layout: one cursor for the highest epoch.
		var cur epochCursor
		if err := json.Unmarshal(data, &cur); err != nil {
			return kerrors.State("parsing legacy state of %s: %v", b.key, err)
		}
		highest, err := b.highestEpoch()
		if err != nil {
			return err
		}
		st = deliveryState{Epochs: map[string]epochCursor{
			strconv.Itoa(highest): cur,
		}}
	}
	if err := b.saveDeliveryState(name, &st); err != nil {
		return err
	}
	if err := os.Rename(legacy, legacy+".pre-migration"); err != nil {
		return kerrors.State("preserving legacy state of %s: %v", b.key, err)
	}

	for _, suffix := range []string{"failed", "rejected"} {
		old := filepath.Join(b.dir, "korgalore."+suffix)
		if ledger, err := os.ReadFile(old); err == nil {
			dst := filepath.Join(b.dir, "korgalore."+name+"."+suffix)
			if err := os.WriteFile(dst, ledger, 0o644); err != nil {
				return kerrors.State("migrating %s ledger of %s: %v", suffix, b.key, err)
			}
			if err := os.Rename(old, old+".pre-migration"); err != nil {
				return kerrors.State("preserving %s ledger of %s: %v", suffix, b.key, err)
			}
		}
	}
	zap.L().Info("migrated legacy delivery state",
		zap.String("feed", b.key), zap.String("delivery", name))
	return nil
}

// InitDeliveryState writes a fresh cursor for the working epoch. The
// default policy anchors at the current tip so only future commits are
// delivered; fromStart leaves the cursor empty, which replays the whole
// epoch. An empty repository always records an empty cursor.
func (b *base) InitDeliveryState(name string, fromStart bool) error {
	highest, err := b.highestEpoch()
	if err != nil {
		return err
	}
	cur := epochCursor{}
	if !fromStart {
		gitdir := b.epochDir(highest)
		tip, err := b.git.TopCommit(gitdir, b.defaultBranch(highest))
		if err != nil {
			return err
		}
		if tip != "" {
			cur.Last = tip
			if cur.CommitDate, err = b.git.CommitDate(gitdir, tip); err != nil {
				return err
			}
			raw, err := b.git.ShowMessage(gitdir, tip)
			switch {
			case err == nil:
				msg := message.New(raw)
				cur.Subject = msg.Subject()
				cur.MsgID = msg.MessageID()
			case errors.Is(err, gitcmd.ErrNoMessageFile):
				cur.Subject = "(no subject)"
			default:
				return err
			}
		}
	}
	st := &deliveryState{Epochs: map[string]epochCursor{
		strconv.Itoa(highest): cur,
	}}
	return b.saveDeliveryState(name, st)
}

// LatestCommitsForDelivery computes the undelivered commits: the ancestry
// path from the saved cursor to the tip of the cursor's epoch, followed by
// the full history of any newer epochs that appeared through rollover.
func (b *base) LatestCommitsForDelivery(name string) ([]EpochCommit, error) {
	epochs, err := b.findEpochs()
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, kerrors.State("feed %s has no epochs", b.key)
	}

	st, err := b.loadDeliveryState(name)
	if errors.Is(err, kerrors.ErrState) {
		// New delivery on an already-primed feed: do not replay history.
		if err := b.InitDeliveryState(name, false); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cursorEpoch := -1
	for k := range st.Epochs {
		if n, err := strconv.Atoi(k); err == nil && n > cursorEpoch {
			cursorEpoch = n
		}
	}
	if cursorEpoch == -1 {
		if err := b.InitDeliveryState(name, false); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var result []EpochCommit
	commits, err := b.commitsAfterCursor(name, st, cursorEpoch)
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		result = append(result, EpochCommit{Epoch: cursorEpoch, Commit: c})
	}

	// Rollover: newer epochs have no cursor yet, deliver them whole.
	for _, epoch := range epochs {
		if epoch <= cursorEpoch {
			continue
		}
		all, err := b.git.RevListAll(b.epochDir(epoch), b.defaultBranch(epoch))
		if err != nil {
			return nil, err
		}
		for _, c := range all {
			result = append(result, EpochCommit{Epoch: epoch, Commit: c})
		}
	}
	return result, nil
}

// commitsAfterCursor enumerates new commits in the cursor's own epoch,
// entering rebase recovery when the saved commit no longer resolves.
func (b *base) commitsAfterCursor(name string, st *deliveryState, epoch int) ([]string, error) {
	cur := st.Epochs[strconv.Itoa(epoch)]
	gitdir := b.epochDir(epoch)
	branch := b.defaultBranch(epoch)

	if cur.Last == "" {
		// Cursor for an epoch that was empty at init time (or a
		// from-start subscription): everything is new.
		empty, err := b.isEmptyRepo(epoch)
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, nil
		}
		return b.git.RevListAll(gitdir, branch)
	}

	last := cur.Last
	if !b.git.CommitExists(gitdir, last) {
		recovered, err := b.recoverCursor(name, st, epoch, cur)
		if err != nil {
			return nil, err
		}
		if recovered == "" {
			return nil, nil
		}
		last = recovered
	}
	return b.git.RevListRange(gitdir, last, branch)
}

// recoverCursor handles an upstream rebase: the saved commit is gone, so
// find its replacement by (subject, message-id) among commits at or after
// the saved commit date. Returns the new cursor, or "" when the cursor was
// fast-forwarded to the tip because nothing after the saved date remains.
func (b *base) recoverCursor(name string, st *deliveryState, epoch int, cur epochCursor) (string, error) {
	gitdir := b.epochDir(epoch)
	branch := b.defaultBranch(epoch)
	log := zap.L().With(
		zap.String("feed", b.key),
		zap.String("delivery", name),
		zap.Int("epoch", epoch),
		zap.String("lost_commit", cur.Last))

	candidates, err := b.git.RevListSince(gitdir, cur.CommitDate, branch)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		// Nothing at or after the saved date: nothing to replay, park
		// the cursor at the tip.
		tip, err := b.git.TopCommit(gitdir, branch)
		if err != nil {
			return "", err
		}
		log.Warn("rebase recovery found no candidates, moving cursor to tip",
			zap.String("tip", tip))
		return "", b.updateCursor(name, st, epoch, tip, cur.Subject, cur.MsgID)
	}

	newLast := ""
	for _, c := range candidates {
		raw, err := b.git.ShowMessage(gitdir, c)
		if err != nil {
			if errors.Is(err, gitcmd.ErrNoMessageFile) {
				continue
			}
			return "", err
		}
		msg := message.New(raw)
		if msg.Subject() == cur.Subject && msg.MessageID() == cur.MsgID {
			newLast = c
			break
		}
	}
	if newLast == "" {
		newLast = candidates[0]
		log.Warn("rebase recovery found no exact match, using first commit after saved date",
			zap.String("new_commit", newLast))
	} else {
		log.Info("rebase recovery matched replacement commit",
			zap.String("new_commit", newLast))
	}
	if err := b.updateCursor(name, st, epoch, newLast, cur.Subject, cur.MsgID); err != nil {
		return "", err
	}
	return newLast, nil
}

// updateCursor persists a new cursor position for one epoch.
func (b *base) updateCursor(name string, st *deliveryState, epoch int, commit, subject, msgid string) error {
	date := ""
	if commit != "" {
		var err error
		if date, err = b.git.CommitDate(b.epochDir(epoch), commit); err != nil {
			return err
		}
	}
	st.Epochs[strconv.Itoa(epoch)] = epochCursor{
		Last:       commit,
		CommitDate: date,
		Subject:    subject,
		MsgID:      msgid,
	}
	return b.saveDeliveryState(name, st)
}

// MessageAtCommit returns the raw message at the commit.
func (b *base) MessageAtCommit(epoch int, commit string) ([]byte, error) {
	return b.git.ShowMessage(b.epochDir(epoch), commit)
}

// MarkSuccessfulDelivery advances the cursor past the delivered commit and
// clears any failure-ledger entry for it.
func (b *base) MarkSuccessfulDelivery(name string, epoch int, commit string, msg *message.Raw, wasFailing bool) error {
	st, err := b.loadDeliveryState(name)
	if errors.Is(err, kerrors.ErrState) {
		st = &deliveryState{Epochs: map[string]epochCursor{}}
	} else if err != nil {
		return err
	}
	subject, msgid := "(no subject)", ""
	if msg != nil {
		subject, msgid = msg.Subject(), msg.MessageID()
	}
	if err := b.updateCursor(name, st, epoch, commit, subject, msgid); err != nil {
		return err
	}
	if wasFailing {
		return b.removeFailed(name, epoch, commit)
	}
	return nil
}

// MarkFailedDelivery records the failure. The first failure creates a
// ledger entry; repeats increment its retry count; once the retry window
// has elapsed the entry moves to the rejected ledger for good. Unless the
// attempt was itself a retry, the cursor advances so later commits are not
// blocked and rebase recovery has an anchor.
func (b *base) MarkFailedDelivery(name string, epoch int, commit string, msg *message.Raw, wasFailing bool) error {
	entries, err := b.loadFailed(name)
	if err != nil {
		return err
	}

	found := false
	kept := entries[:0]
	for _, e := range entries {
		if e.Epoch == epoch && e.Commit == commit {
			found = true
			if b.now().Sub(e.FirstFailure) > retryWindow {
				if err := b.appendRejected(name, epoch, commit); err != nil {
					return err
				}
				zap.L().Warn("retry window elapsed, rejecting commit",
					zap.String("feed", b.key),
					zap.String("delivery", name),
					zap.Int("epoch", epoch),
					zap.String("commit", commit),
					zap.Int("retries", e.RetryCount))
				continue // drop from the failed ledger
			}
			e.RetryCount++
			kept = append(kept, e)
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		rejected, err := b.isRejected(name, epoch, commit)
		if err != nil {
			return err
		}
		if !rejected {
			kept = append(kept, failedEntry{
				Epoch:        epoch,
				Commit:       commit,
				FirstFailure: b.now().UTC(),
				RetryCount:   0,
			})
		}
	}
	if err := b.writeFailed(name, kept); err != nil {
		return err
	}

	if !wasFailing && msg != nil {
		st, err := b.loadDeliveryState(name)
		if errors.Is(err, kerrors.ErrState) {
			st = &deliveryState{Epochs: map[string]epochCursor{}}
		} else if err != nil {
			return err
		}
		return b.updateCursor(name, st, epoch, commit, msg.Subject(), msg.MessageID())
	}
	return nil
}

// FailedCommitsForDelivery lists the ledger entries awaiting retry.
// Entries whose retry window has elapsed are moved to the rejected ledger
// here, before any retry attempt, so an expired commit is never delivered
// even when the target has recovered.
func (b *base) FailedCommitsForDelivery(name string) ([]EpochCommit, error) {
	entries, err := b.loadFailed(name)
	if err != nil {
		return nil, err
	}
	var out []EpochCommit
	kept := entries[:0]
	promoted := false
	for _, e := range entries {
		if b.now().Sub(e.FirstFailure) > retryWindow {
			if err := b.appendRejected(name, e.Epoch, e.Commit); err != nil {
				return nil, err
			}
			zap.L().Warn("retry window elapsed, rejecting commit",
				zap.String("feed", b.key),
				zap.String("delivery", name),
				zap.Int("epoch", e.Epoch),
				zap.String("commit", e.Commit),
				zap.Int("retries", e.RetryCount))
			promoted = true
			continue
		}
		kept = append(kept, e)
		out = append(out, EpochCommit{Epoch: e.Epoch, Commit: e.Commit})
	}
	if promoted {
		if err := b.writeFailed(name, kept); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// writeJSON writes v atomically: temp file in the same directory, then
// rename over the destination.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return kerrors.State("encoding %s: %v", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return kerrors.State("writing %s: %v", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return kerrors.State("writing %s: %v", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return kerrors.State("writing %s: %v", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return kerrors.State("writing %s: %v", path, err)
	}
	return nil
}

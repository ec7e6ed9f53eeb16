package feed

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/gitcmd"
	"github.com/korgalore/korgalore/internal/httpx"
	"github.com/korgalore/korgalore/internal/kerrors"
)

// Archive is a feed backed by a remote public-inbox archive. Epoch
// repositories are shallow mirror clones under <dir>/git/<n>.git; rollover
// is detected through the upstream manifest.
type Archive struct {
	base

	// manifestURL overrides the derived manifest location in tests.
	manifestURL string
}

// NewArchive builds an archive feed rooted at <dataDir>/<key>.
func NewArchive(key, url, dataDir string, git *gitcmd.Runner) *Archive {
	return &Archive{
		base: newBase(key, filepath.Join(dataDir, key), strings.TrimRight(url, "/"), git),
	}
}

// manifestEpoch is one repository listed by the upstream manifest.
type manifestEpoch struct {
	Num         int
	Path        string
	Fingerprint string
}

// fetchManifest downloads and parses manifest.js.gz, retrying transient
// HTTP failures with exponential backoff.
func (a *Archive) fetchManifest() ([]manifestEpoch, error) {
	url := a.manifestURL
	if url == "" {
		url = a.url + "/manifest.js.gz"
	}

	var body []byte
	op := func() error {
		resp, err := httpx.Client().Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("manifest fetch: %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("manifest fetch: %s", resp.Status))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, bo); err != nil {
		return nil, kerrors.Remote("fetching manifest for %s: %v", a.key, err)
	}

	gz, err := gzip.NewReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, kerrors.Remote("decompressing manifest for %s: %v", a.key, err)
	}
	defer gz.Close()

	var raw map[string]struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(gz).Decode(&raw); err != nil {
		return nil, kerrors.Remote("parsing manifest for %s: %v", a.key, err)
	}

	var epochs []manifestEpoch
	for path, meta := range raw {
		name := path[strings.LastIndex(path, "/")+1:]
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".git"))
		if err != nil {
			zap.L().Warn("ignoring invalid epoch path in manifest",
				zap.String("feed", a.key), zap.String("path", path))
			continue
		}
		epochs = append(epochs, manifestEpoch{Num: n, Path: path, Fingerprint: meta.Fingerprint})
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i].Num < epochs[j].Num })
	if len(epochs) == 0 {
		return nil, kerrors.Remote("manifest for %s lists no epochs", a.key)
	}
	return epochs, nil
}

// cloneEpoch shallow-clones one epoch repository from upstream.
func (a *Archive) cloneEpoch(n int) error {
	dst := a.epochDir(n)
	if _, err := os.Stat(dst); err == nil {
		return kerrors.Git("epoch directory %s already exists", dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return kerrors.State("creating git dir for %s: %v", a.key, err)
	}
	repoURL := fmt.Sprintf("%s/git/%d.git", a.url, n)
	zap.L().Info("cloning epoch",
		zap.String("feed", a.key), zap.Int("epoch", n), zap.String("url", repoURL))
	return a.git.Clone(repoURL, dst)
}

// UpdateFeed refreshes the archive: detect and clone a rolled-over epoch,
// pull the working epoch, and report whether the tip moved. A feed with no
// on-disk state is initialized by cloning the newest epoch.
func (a *Archive) UpdateFeed() (Status, error) {
	epochs, err := a.fetchManifest()
	if err != nil {
		return StatusNoChange, err
	}
	newest := epochs[len(epochs)-1].Num

	onDisk, err := a.findEpochs()
	if err != nil {
		return StatusNoChange, err
	}
	if len(onDisk) == 0 {
		if err := a.cloneEpoch(newest); err != nil {
			return StatusNoChange, err
		}
		if err := a.saveFeedState(true); err != nil {
			return StatusNoChange, err
		}
		return StatusInitialized, nil
	}

	st, err := a.loadFeedState()
	if err != nil {
		// Epochs on disk but no state file: adopt what is there.
		if err := a.saveFeedState(true); err != nil {
			return StatusNoChange, err
		}
		return StatusInitialized, nil
	}

	status := StatusNoChange
	working := onDisk[len(onDisk)-1]

	if err := a.git.RemoteUpdate(a.epochDir(working)); err != nil {
		a.saveFeedStateIgnoringError(false)
		return StatusNoChange, err
	}
	delete(a.emptyRepo, working)
	tip, err := a.git.TopCommit(a.epochDir(working), a.defaultBranch(working))
	if err != nil {
		return StatusNoChange, err
	}
	if tip != st.LatestCommit {
		status |= StatusUpdated
	}

	if newest > working {
		zap.L().Info("epoch rollover detected",
			zap.String("feed", a.key), zap.Int("from", working), zap.Int("to", newest))
		if err := a.cloneEpoch(newest); err != nil {
			return status, err
		}
		status |= StatusUpdated
	}

	if err := a.saveFeedState(true); err != nil {
		return status, err
	}
	return status, nil
}

func (a *Archive) saveFeedStateIgnoringError(success bool) {
	if err := a.saveFeedState(success); err != nil {
		zap.L().Warn("saving feed state failed",
			zap.String("feed", a.key), zap.Error(err))
	}
}

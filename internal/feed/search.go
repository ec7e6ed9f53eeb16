package feed

import (
	"strings"

	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/gitcmd"
	"github.com/korgalore/korgalore/internal/kerrors"
	"github.com/korgalore/korgalore/internal/lei"
)

// Search is a feed whose epoch repositories are maintained by lei. The
// feed directory is the search output path itself; updating means asking
// lei to refresh the search, then observing the repositories like an
// archive feed does.
type Search struct {
	base
	lei *lei.Runner
}

// NewSearch builds a search feed for a lei:<path> URL. The search must
// already be known to lei.
func NewSearch(key, url string, git *gitcmd.Runner, lr *lei.Runner) (*Search, error) {
	path := strings.TrimPrefix(url, "lei:")
	searches, err := lr.ListSearches()
	if err != nil {
		return nil, err
	}
	known := false
	for _, s := range searches {
		if s == path {
			known = true
			break
		}
	}
	if !known {
		return nil, kerrors.Configuration("lei search %q is not known", path)
	}
	return &Search{
		base: newBase(key, path, url, git),
		lei:  lr,
	}, nil
}

// UpdateFeed asks lei to refresh the search, then reports whether the
// repositories changed. Search feeds typically keep a single epoch and
// never roll over, but a new epoch is handled the same way as for
// archives.
func (s *Search) UpdateFeed() (Status, error) {
	if err := s.lei.Update(s.dir); err != nil {
		return StatusNoChange, err
	}
	s.emptyRepo = map[int]bool{}

	epochs, err := s.findEpochs()
	if err != nil {
		return StatusNoChange, err
	}
	if len(epochs) == 0 {
		return StatusNoChange, kerrors.PublicInbox(
			"lei search %s produced no repositories", s.dir)
	}
	working := epochs[len(epochs)-1]

	st, err := s.loadFeedState()
	if err != nil {
		zap.L().Debug("no feed state for lei search, initializing",
			zap.String("feed", s.key))
		if err := s.saveFeedState(true); err != nil {
			return StatusNoChange, err
		}
		return StatusInitialized, nil
	}

	status := StatusNoChange
	if working > st.HighestEpoch {
		status |= StatusUpdated
	}
	tip, err := s.git.TopCommit(s.epochDir(working), s.defaultBranch(working))
	if err != nil {
		return StatusNoChange, err
	}
	if tip != st.LatestCommit {
		status |= StatusUpdated
	}
	if err := s.saveFeedState(true); err != nil {
		return status, err
	}
	return status, nil
}

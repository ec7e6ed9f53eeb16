// Package feed implements public-inbox feeds: on-disk epoch repositories,
// per-delivery commit cursors and the failure/rejection ledgers. Two
// variants share the Feed interface, the archive feed (clones epochs over
// HTTP) and the search feed (repositories maintained by lei).
package feed

import (
	"strings"

	"github.com/korgalore/korgalore/internal/gitcmd"
	"github.com/korgalore/korgalore/internal/lei"
	"github.com/korgalore/korgalore/internal/message"
)

// Status is the bitmask returned by UpdateFeed.
type Status int

const (
	// StatusNoChange means the feed tip did not move.
	StatusNoChange Status = 0
	// StatusUpdated means the tip advanced or an epoch rolled over.
	StatusUpdated Status = 1 << iota
	// StatusInitialized means the feed had no on-disk state and this
	// update created it.
	StatusInitialized
)

// Updated reports whether the UPDATED bit is set.
func (s Status) Updated() bool { return s&StatusUpdated != 0 }

// Initialized reports whether the INITIALIZED bit is set.
func (s Status) Initialized() bool { return s&StatusInitialized != 0 }

// EpochCommit identifies one commit within one epoch of a feed.
type EpochCommit struct {
	Epoch  int
	Commit string
}

// Feed is the contract shared by the archive and search variants. All
// state-mutating operations must run with the feed lock held.
type Feed interface {
	Key() string
	Dir() string
	URL() string

	// UpdateFeed refreshes the feed from its upstream and reports what
	// changed.
	UpdateFeed() (Status, error)

	// LatestCommitsForDelivery returns the undelivered commits for the
	// named delivery, in ancestry order. A delivery with no state on a
	// primed feed is initialized at the tip and gets nothing to replay.
	LatestCommitsForDelivery(name string) ([]EpochCommit, error)

	// MessageAtCommit returns the raw message stored at the commit.
	// Commits without a message file report gitcmd.ErrNoMessageFile.
	MessageAtCommit(epoch int, commit string) ([]byte, error)

	// MarkSuccessfulDelivery advances the delivery cursor and, when the
	// commit was in the failure ledger, clears it.
	MarkSuccessfulDelivery(name string, epoch int, commit string, msg *message.Raw, wasFailing bool) error

	// MarkFailedDelivery records a failure in the ledger, promoting the
	// entry to rejected once the retry window has elapsed. Unless this
	// was itself a retry, the cursor still advances so rebase recovery
	// has an anchor.
	MarkFailedDelivery(name string, epoch int, commit string, msg *message.Raw, wasFailing bool) error

	// FailedCommitsForDelivery lists the commits awaiting retry.
	FailedCommitsForDelivery(name string) ([]EpochCommit, error)

	// InitDeliveryState writes a fresh cursor for the delivery, at the
	// tip by default or covering all history with fromStart.
	InitDeliveryState(name string, fromStart bool) error

	Lock() error
	Unlock() error
}

// New constructs the right feed variant for the URL: lei:<path> selects a
// search feed, anything else an archive feed rooted under dataDir.
func New(key, url, dataDir string, git *gitcmd.Runner, lr *lei.Runner) (Feed, error) {
	if strings.HasPrefix(url, "lei:") {
		return NewSearch(key, url, git, lr)
	}
	return NewArchive(key, url, dataDir, git), nil
}

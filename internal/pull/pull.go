// Package pull drives a complete delivery cycle: lock feeds, retry the
// failure ledger, update feeds, and hand every new commit to its target.
package pull

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/bozo"
	"github.com/korgalore/korgalore/internal/config"
	"github.com/korgalore/korgalore/internal/feed"
	"github.com/korgalore/korgalore/internal/gitcmd"
	"github.com/korgalore/korgalore/internal/httpx"
	"github.com/korgalore/korgalore/internal/kerrors"
	"github.com/korgalore/korgalore/internal/lei"
	"github.com/korgalore/korgalore/internal/message"
	"github.com/korgalore/korgalore/internal/target"
	"github.com/korgalore/korgalore/internal/tracking"
)

// maxConsecutiveFailures aborts a target's remaining commits once this
// many imports fail back to back.
const maxConsecutiveFailures = 5

// Options selects what a cycle processes.
type Options struct {
	// Delivery restricts the cycle to one named delivery. Tracked
	// threads are not mapped when set.
	Delivery string
	// Force delivers for every mapped delivery even when its feed
	// reported no change.
	Force bool
	// NoUpdate skips the feed update pass.
	NoUpdate bool
}

// Summary counts the outcome of one delivery in one cycle.
type Summary struct {
	Delivered int
	Skipped   int
	Failed    int
}

// Delivery is one entry of the delivery map: a feed bound to a target
// with its labels and expanded subfolder.
type Delivery struct {
	Name      string
	Feed      feed.Feed
	Target    target.Target
	Labels    []string
	Subfolder string

	// subfolderTemplate keeps the raw strftime template so long-running
	// processes re-expand it each cycle.
	subfolderTemplate string

	// trackID is set for ephemeral tracked-thread deliveries.
	trackID string
}

// Puller owns the shared collaborators of a pull cycle. Feeds and
// targets are cached per instance so repeated cycles reuse connections
// and OAuth material.
type Puller struct {
	cfg         *config.Config
	configDir   string
	dataDir     string
	git         *gitcmd.Runner
	lei         *lei.Runner
	manifest    *tracking.Manifest
	interactive bool

	now func() time.Time

	feeds   map[string]feed.Feed
	targets map[string]target.Target
}

// New builds a Puller over the loaded configuration. The tracking
// manifest may be nil when tracked threads should not participate.
func New(cfg *config.Config, configDir, dataDir string, git *gitcmd.Runner,
	lr *lei.Runner, manifest *tracking.Manifest, interactive bool) *Puller {
	return &Puller{
		cfg:         cfg,
		configDir:   configDir,
		dataDir:     dataDir,
		git:         git,
		lei:         lr,
		manifest:    manifest,
		interactive: interactive,
		now:         time.Now,
		feeds:       map[string]feed.Feed{},
		targets:     map[string]target.Target{},
	}
}

// feedKey names the on-disk directory for a feed reference: the config
// name when the reference is named, otherwise a path-safe form of the
// URL.
func feedKey(ref, url string) string {
	if ref != url && !strings.HasPrefix(ref, "lei:") {
		return ref
	}
	key := url
	if i := strings.Index(key, "://"); i >= 0 {
		key = key[i+3:]
	}
	key = strings.TrimPrefix(key, "lei:")
	key = strings.Trim(key, "/")
	return strings.NewReplacer("/", "-", ":", "-").Replace(key)
}

func (p *Puller) feedFor(ref string) (feed.Feed, error) {
	url, err := p.cfg.FeedURL(ref)
	if err != nil {
		return nil, err
	}
	if f, ok := p.feeds[url]; ok {
		return f, nil
	}
	f, err := feed.New(feedKey(ref, url), url, p.dataDir, p.git, p.lei)
	if err != nil {
		return nil, err
	}
	p.feeds[url] = f
	return f, nil
}

func (p *Puller) targetFor(name string) (target.Target, error) {
	if t, ok := p.targets[name]; ok {
		return t, nil
	}
	cfg, ok := p.cfg.Targets[name]
	if !ok {
		return nil, kerrors.Configuration("unknown target %q", name)
	}
	t, err := target.New(name, cfg, p.configDir, p.interactive)
	if err != nil {
		return nil, err
	}
	p.targets[name] = t
	return t, nil
}

func (p *Puller) mapDelivery(name string, d config.Delivery) (*Delivery, error) {
	f, err := p.feedFor(d.Feed)
	if err != nil {
		return nil, fmt.Errorf("delivery %q: %w", name, err)
	}
	t, err := p.targetFor(d.Target)
	if err != nil {
		return nil, fmt.Errorf("delivery %q: %w", name, err)
	}
	labels := d.Labels
	if len(labels) == 0 {
		labels = t.DefaultLabels()
	}
	md := &Delivery{
		Name:              name,
		Feed:              f,
		Target:            t,
		Labels:            labels,
		Subfolder:         d.Subfolder,
		subfolderTemplate: d.Subfolder,
	}
	md.expandSubfolder(p.now())
	return md, nil
}

// expandSubfolder renders the strftime template against the local
// clock. Templates without directives pass through unchanged.
func (d *Delivery) expandSubfolder(now time.Time) {
	if strings.Contains(d.subfolderTemplate, "%") {
		d.Subfolder = strftime.Format(d.subfolderTemplate, now)
	}
}

// BuildDeliveryMap resolves the deliveries for this cycle: every
// configured delivery (or just the named one) plus, when no single
// delivery was requested, the active tracked threads as ephemeral
// track:<id> deliveries.
func (p *Puller) BuildDeliveryMap(only string) ([]*Delivery, error) {
	var deliveries []*Delivery
	if only != "" {
		d, ok := p.cfg.Deliveries[only]
		if !ok {
			return nil, kerrors.Configuration("unknown delivery %q", only)
		}
		md, err := p.mapDelivery(only, d)
		if err != nil {
			return nil, err
		}
		return []*Delivery{md}, nil
	}

	names := make([]string, 0, len(p.cfg.Deliveries))
	for name := range p.cfg.Deliveries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		md, err := p.mapDelivery(name, p.cfg.Deliveries[name])
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, md)
	}

	if p.manifest != nil {
		if _, err := p.manifest.ExpireStale(); err != nil {
			zap.L().Warn("expiring tracked threads failed", zap.Error(err))
		}
		for _, th := range p.manifest.Active() {
			md, err := p.mapDelivery("track:"+th.TrackID, config.Delivery{
				Feed:   "lei:" + th.LeiPath,
				Target: th.Target,
				Labels: th.Labels,
			})
			if err != nil {
				zap.L().Warn("skipping tracked thread",
					zap.String("track_id", th.TrackID), zap.Error(err))
				continue
			}
			md.trackID = th.TrackID
			deliveries = append(deliveries, md)
		}
	}
	return deliveries, nil
}

// uniqueFeeds returns the distinct feeds of the map, sorted by key so
// lock acquisition order is stable across processes.
func uniqueFeeds(deliveries []*Delivery) []feed.Feed {
	seen := map[string]feed.Feed{}
	for _, d := range deliveries {
		seen[d.Feed.Key()] = d.Feed
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	feeds := make([]feed.Feed, 0, len(keys))
	for _, k := range keys {
		feeds = append(feeds, seen[k])
	}
	return feeds
}

type commitOutcome int

const (
	outcomeDelivered commitOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// deliverCommit runs the per-commit routine: fetch the message, filter,
// import, and record the result in the feed's delivery state.
func (p *Puller) deliverCommit(d *Delivery, filter bozo.Filter,
	ec feed.EpochCommit, wasFailing bool) (commitOutcome, error) {
	raw, err := d.Feed.MessageAtCommit(ec.Epoch, ec.Commit)
	if err != nil {
		if errors.Is(err, gitcmd.ErrNoMessageFile) {
			// Non-message commit, e.g. a deletion marker.
			zap.L().Debug("commit has no message file",
				zap.String("delivery", d.Name), zap.String("commit", ec.Commit))
			return outcomeSkipped, nil
		}
		return outcomeFailed, err
	}
	msg := message.New(raw)

	if err := d.Target.Connect(); err != nil {
		if markErr := d.Feed.MarkFailedDelivery(
			d.Name, ec.Epoch, ec.Commit, msg, wasFailing); markErr != nil {
			zap.L().Error("recording failed delivery", zap.Error(markErr))
		}
		return outcomeFailed, err
	}

	if from := msg.FromAddr(); filter.Match(from) {
		// Marked successful so the sender does not cause endless
		// retries.
		zap.L().Info("bozofilter match, not delivering",
			zap.String("delivery", d.Name), zap.String("from", from))
		if err := d.Feed.MarkSuccessfulDelivery(
			d.Name, ec.Epoch, ec.Commit, msg, wasFailing); err != nil {
			return outcomeFailed, err
		}
		return outcomeSkipped, nil
	}

	res, err := d.Target.ImportMessage(
		msg.AsBytes(d.Feed.Key(), d.Name), d.Labels, d.Subfolder)
	if err != nil {
		if markErr := d.Feed.MarkFailedDelivery(
			d.Name, ec.Epoch, ec.Commit, msg, wasFailing); markErr != nil {
			zap.L().Error("recording failed delivery", zap.Error(markErr))
		}
		return outcomeFailed, err
	}
	if err := d.Feed.MarkSuccessfulDelivery(
		d.Name, ec.Epoch, ec.Commit, msg, wasFailing); err != nil {
		return outcomeFailed, err
	}
	if res.Skipped {
		return outcomeSkipped, nil
	}
	return outcomeDelivered, nil
}

// retryPass re-attempts every entry of every delivery's failure ledger.
func (p *Puller) retryPass(deliveries []*Delivery, filter bozo.Filter,
	summaries map[string]*Summary) {
	for _, d := range deliveries {
		failed, err := d.Feed.FailedCommitsForDelivery(d.Name)
		if err != nil {
			zap.L().Warn("reading failure ledger",
				zap.String("delivery", d.Name), zap.Error(err))
			continue
		}
		for _, ec := range failed {
			outcome, err := p.deliverCommit(d, filter, ec, true)
			s := summaries[d.Name]
			switch outcome {
			case outcomeDelivered:
				s.Delivered++
			case outcomeSkipped:
				s.Skipped++
			case outcomeFailed:
				s.Failed++
				zap.L().Warn("retry failed",
					zap.String("delivery", d.Name),
					zap.String("commit", ec.Commit), zap.Error(err))
			}
		}
	}
}

// updateAllFeeds refreshes every unique feed and reports which keys saw
// new commits and which were initialized this cycle. A feed can be both.
func (p *Puller) updateAllFeeds(feeds []feed.Feed) (updated, initialized map[string]bool) {
	updated = map[string]bool{}
	initialized = map[string]bool{}
	for _, f := range feeds {
		status, err := f.UpdateFeed()
		if err != nil {
			zap.L().Error("feed update failed",
				zap.String("feed", f.Key()), zap.Error(err))
			continue
		}
		if status.Updated() {
			updated[f.Key()] = true
		}
		if status.Initialized() {
			initialized[f.Key()] = true
		}
	}
	return updated, initialized
}

// Run executes one pull cycle and returns the per-delivery summaries.
func (p *Puller) Run(opts Options) (map[string]Summary, error) {
	deliveries, err := p.BuildDeliveryMap(opts.Delivery)
	if err != nil {
		return nil, err
	}
	for _, d := range deliveries {
		d.expandSubfolder(p.now())
	}
	filter, err := bozo.Load(p.configDir)
	if err != nil {
		return nil, err
	}

	feeds := uniqueFeeds(deliveries)
	var locked []feed.Feed
	defer func() {
		for _, f := range locked {
			if err := f.Unlock(); err != nil {
				zap.L().Warn("unlocking feed",
					zap.String("feed", f.Key()), zap.Error(err))
			}
		}
		for _, t := range p.targets {
			if err := t.Disconnect(); err != nil {
				zap.L().Debug("disconnecting target",
					zap.String("target", t.ID()), zap.Error(err))
			}
		}
		httpx.CloseIdleConnections()
	}()
	for _, f := range feeds {
		if err := f.Lock(); err != nil {
			return nil, err
		}
		locked = append(locked, f)
	}

	summaries := map[string]*Summary{}
	for _, d := range deliveries {
		summaries[d.Name] = &Summary{}
	}

	p.retryPass(deliveries, filter, summaries)

	var updated, initialized map[string]bool
	if opts.NoUpdate {
		updated, initialized = map[string]bool{}, map[string]bool{}
	} else {
		updated, initialized = p.updateAllFeeds(feeds)
	}

	for _, d := range deliveries {
		if initialized[d.Feed.Key()] {
			if err := d.Feed.InitDeliveryState(d.Name, false); err != nil {
				zap.L().Error("initializing delivery state",
					zap.String("delivery", d.Name), zap.Error(err))
			}
		}
	}

	var toRun []*Delivery
	for _, d := range deliveries {
		if opts.Force || updated[d.Feed.Key()] {
			toRun = append(toRun, d)
		}
	}

	p.deliverAll(toRun, filter, summaries)

	if p.manifest != nil {
		for _, d := range deliveries {
			if d.trackID == "" {
				continue
			}
			if err := p.manifest.UpdateActivity(
				d.trackID, summaries[d.Name].Delivered); err != nil {
				zap.L().Warn("updating tracked thread activity",
					zap.String("track_id", d.trackID), zap.Error(err))
			}
		}
	}

	result := make(map[string]Summary, len(summaries))
	for name, s := range summaries {
		result[name] = *s
		zap.L().Info("delivery summary",
			zap.String("delivery", name),
			zap.Int("delivered", s.Delivered),
			zap.Int("skipped", s.Skipped),
			zap.Int("failed", s.Failed))
	}
	return result, nil
}

// deliverAll groups the deliveries by target and walks each target's
// combined commit list, aborting a target after too many consecutive
// failures. Other targets still run.
func (p *Puller) deliverAll(deliveries []*Delivery, filter bozo.Filter,
	summaries map[string]*Summary) {
	byTarget := map[string][]*Delivery{}
	var targetNames []string
	for _, d := range deliveries {
		if _, ok := byTarget[d.Target.ID()]; !ok {
			targetNames = append(targetNames, d.Target.ID())
		}
		byTarget[d.Target.ID()] = append(byTarget[d.Target.ID()], d)
	}
	sort.Strings(targetNames)

	for _, tn := range targetNames {
		consecutive := 0
	perTarget:
		for _, d := range byTarget[tn] {
			commits, err := d.Feed.LatestCommitsForDelivery(d.Name)
			if err != nil {
				zap.L().Error("listing commits for delivery",
					zap.String("delivery", d.Name), zap.Error(err))
				continue
			}
			for _, ec := range commits {
				outcome, err := p.deliverCommit(d, filter, ec, false)
				s := summaries[d.Name]
				switch outcome {
				case outcomeDelivered:
					s.Delivered++
					consecutive = 0
				case outcomeSkipped:
					s.Skipped++
					consecutive = 0
				case outcomeFailed:
					s.Failed++
					consecutive++
					zap.L().Warn("delivery failed",
						zap.String("delivery", d.Name),
						zap.String("commit", ec.Commit), zap.Error(err))
					if kerrors.IsAuth(err) {
						zap.L().Error("target needs re-authentication, aborting",
							zap.String("target", tn), zap.Error(err))
						break perTarget
					}
					if consecutive >= maxConsecutiveFailures {
						zap.L().Error("too many consecutive failures, aborting target",
							zap.String("target", tn),
							zap.Int("failures", consecutive))
						break perTarget
					}
				}
			}
		}
	}
}

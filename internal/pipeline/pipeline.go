// Package pipeline runs the end-to-end check for one channel: resolve
// candidate streams, probe them in parallel under the concurrency limiter,
// classify dead streams, rank the survivors and push the results upstream.
//
// Ordering contract: no upstream mutation happens until every probe in the
// channel's batch has returned. Subsystem mutexes (tracker, registry,
// queue) are never held across upstream HTTP calls.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sbeimel/streamflow-sub002/internal/changelog"
	"github.com/sbeimel/streamflow-sub002/internal/config"
	"github.com/sbeimel/streamflow-sub002/internal/deadstreams"
	"github.com/sbeimel/streamflow-sub002/internal/logx"
	"github.com/sbeimel/streamflow-sub002/internal/metrics"
	"github.com/sbeimel/streamflow-sub002/internal/probe"
	"github.com/sbeimel/streamflow-sub002/internal/tracker"
	"github.com/sbeimel/streamflow-sub002/internal/upstream"
)

// Patcher is the mutating subset of the upstream client the pipeline uses.
type Patcher interface {
	PatchStreamStats(ctx context.Context, streamID int, stats upstream.StreamStats) error
	SetChannelStreams(ctx context.Context, channelID int, streamIDs []int) error
	SetProfileChannelEnabled(ctx context.Context, profileID, channelID int, enabled bool) error
	RefreshM3UAccount(ctx context.Context, accountID int) error
	Profiles(ctx context.Context) ([]upstream.ChannelProfile, error)
}

// Prober runs one stream probe. Implemented by *probe.Executor.
type Prober interface {
	Probe(ctx context.Context, p probe.Params) upstream.StreamStats
}

// Limiter gates probe concurrency. Implemented by *limiter.Limiter.
type Limiter interface {
	Acquire(ctx context.Context, accountID int) (func(), error)
	Stagger(ctx context.Context) error
}

// Candidates finds streams for a channel by name. Implemented by the
// matcher package; injectable so the external association service can be
// substituted.
type Candidates func(channelName string, streams []upstream.Stream) ([]upstream.Stream, error)

// Result summarises one channel check.
type Result struct {
	ChannelID int
	Missing   bool // channel not found upstream
	Probed    int
	Reused    int
	Dead      int
	Removed   int
	Duration  time.Duration
	Err       error // non-fatal: check still counts as completed
}

// Pipeline executes channel checks. All dependencies are injected; the
// dependency graph is a DAG with no call-time lookups.
type Pipeline struct {
	catalog    *Catalog
	up         Patcher
	registry   *deadstreams.Registry
	track      *tracker.Tracker
	exec       Prober
	lim        Limiter
	candidates Candidates
	changes    *changelog.Log // may be nil
	cfg        *config.Store
	log        zerolog.Logger
}

// New wires a Pipeline.
func New(cat *Catalog, up Patcher, reg *deadstreams.Registry, track *tracker.Tracker, exec Prober, lim Limiter, cand Candidates, changes *changelog.Log, cfg *config.Store) *Pipeline {
	return &Pipeline{
		catalog:    cat,
		up:         up,
		registry:   reg,
		track:      track,
		exec:       exec,
		lim:        lim,
		candidates: cand,
		changes:    changes,
		cfg:        cfg,
		log:        logx.WithComponent("pipeline"),
	}
}

type probeOutcome struct {
	stream upstream.Stream
	stats  upstream.StreamStats
}

// CheckChannel runs the full check for one channel. force selects the
// single-channel force-check path: dead entries for the channel are
// cleared, owning playlists refreshed, streams re-associated, and every
// stream is probed instead of only newly-added ones.
func (p *Pipeline) CheckChannel(ctx context.Context, channelID int, force bool) Result {
	start := time.Now()
	res := Result{ChannelID: channelID}
	cfg := p.cfg.Get()

	ch, ok := p.catalog.Channel(channelID)
	if !ok {
		res.Missing = true
		p.log.Warn().Int("channel", channelID).Msg("unknown channel in queue")
		return p.finish(ctx, ch, res, start)
	}

	if force {
		if err := p.forceRefresh(ctx, &ch); err != nil {
			// Refresh problems degrade to a normal check of cached data.
			p.log.Warn().Int("channel", channelID).Err(err).Msg("force refresh incomplete")
		}
	}

	streams := p.channelStreams(ch)
	now := make([]int, 0, len(streams))
	for _, s := range streams {
		now = append(now, s.ID)
	}
	sort.Ints(now)

	// Incremental checks only probe stream IDs not seen at the last
	// completed check; their elders keep the stored stats.
	toProbe := streams
	if !force && !cfg.ValidateExistingStreams {
		seen := make(map[int]struct{})
		for _, id := range p.track.LastCheckedStreamIDs(channelID) {
			seen[id] = struct{}{}
		}
		toProbe = nil
		for _, s := range streams {
			if _, ok := seen[s.ID]; !ok {
				toProbe = append(toProbe, s)
			}
		}
	}
	res.Reused = len(streams) - len(toProbe)

	outcomes := p.probeBatch(ctx, ch, toProbe, cfg)
	res.Probed = len(outcomes)

	// Everything below mutates state; the whole batch has returned.
	statsByID := make(map[int]upstream.StreamStats, len(streams))
	for _, s := range streams {
		if s.Stats != nil {
			statsByID[s.ID] = *s.Stats
		}
	}
	for _, o := range outcomes {
		merged := o.stats
		if prev, ok := statsByID[o.stream.ID]; ok {
			merged.Extra = prev.Extra
		}
		statsByID[o.stream.ID] = merged
	}

	deadIDs := p.classifyDead(ch, outcomes, statsByID, cfg)
	res.Dead = len(deadIDs)

	ranked := p.rank(streams, statsByID, deadIDs, cfg)
	removeDead := cfg.DeadStreamHandling.Enabled && cfg.DeadStreamHandling.RemoveFromChannel
	order := make([]int, 0, len(streams))
	for _, s := range ranked {
		order = append(order, s.ID)
	}
	if !removeDead {
		// Dead streams stay associated (tracked only), ranked last.
		for _, s := range streams {
			if _, dead := deadIDs[s.ID]; dead {
				order = append(order, s.ID)
			}
		}
	} else {
		res.Removed = len(streams) - len(order)
	}

	if err := p.up.SetChannelStreams(ctx, channelID, order); err != nil {
		res.Err = fmt.Errorf("set stream order: %w", err)
		p.log.Warn().Int("channel", channelID).Err(err).Msg("stream order patch failed")
	} else {
		p.catalog.SetChannelStreams(channelID, order)
	}

	// Stats pushes are per-stream best-effort: one failure neither stops
	// the remaining pushes nor the tracker mark.
	for _, o := range outcomes {
		stats := statsByID[o.stream.ID]
		if err := p.up.PatchStreamStats(ctx, o.stream.ID, stats); err != nil {
			p.log.Warn().Int("stream", o.stream.ID).Err(err).Msg("stats patch failed")
			if res.Err == nil {
				res.Err = fmt.Errorf("patch stats: %w", err)
			}
			continue
		}
		p.catalog.SetStreamStats(o.stream.ID, stats)
	}

	p.track.MarkChannelChecked(channelID, len(now), now)
	metrics.ChannelsChecked.Inc()

	return p.finish(ctx, ch, res, start)
}

func (p *Pipeline) finish(ctx context.Context, ch upstream.Channel, res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	if p.changes != nil {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		if res.Missing {
			errText = "channel not found"
		}
		p.changes.Record(ctx, changelog.Entry{
			ChannelID:   res.ChannelID,
			ChannelName: ch.Name,
			CheckedAt:   start,
			Probed:      res.Probed,
			Reused:      res.Reused,
			Dead:        res.Dead,
			Removed:     res.Removed,
			Duration:    res.Duration,
			Error:       errText,
		})
	}
	return res
}

// channelStreams resolves the channel's associated stream records.
func (p *Pipeline) channelStreams(ch upstream.Channel) []upstream.Stream {
	out := make([]upstream.Stream, 0, len(ch.Streams))
	for _, id := range ch.Streams {
		if s, ok := p.catalog.Stream(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// forceRefresh is the single-channel force-check preamble: clear the dead
// registry for this channel's URLs, refresh the owning playlists, and
// re-associate candidate streams by name.
func (p *Pipeline) forceRefresh(ctx context.Context, ch *upstream.Channel) error {
	urls := make(map[string]struct{})
	accounts := make(map[int]struct{})
	for _, s := range p.channelStreams(*ch) {
		urls[s.URL] = struct{}{}
		if s.M3UAccountID != nil {
			accounts[*s.M3UAccountID] = struct{}{}
		}
	}
	p.registry.ClearForChannel(urls)

	var firstErr error
	for id := range accounts {
		if err := p.up.RefreshM3UAccount(ctx, id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("refresh account %d: %w", id, err)
		}
	}
	if err := p.catalog.Refresh(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if p.candidates != nil {
		found, err := p.candidates(ch.Name, p.catalog.Streams())
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if len(found) > 0 {
			ids := make([]int, 0, len(found))
			for _, s := range found {
				ids = append(ids, s.ID)
			}
			if err := p.up.SetChannelStreams(ctx, ch.ID, ids); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("reassociate: %w", err)
				}
			} else {
				p.catalog.SetChannelStreams(ch.ID, ids)
				ch.Streams = ids
			}
		}
	}
	if fresh, ok := p.catalog.Channel(ch.ID); ok {
		*ch = fresh
	}
	return firstErr
}

// probeBatch probes the given streams in parallel under the limiter. URLs
// with a dead verdict get a synthetic Dead result without probing.
// Individual probe failures are absorbed into their StreamStats; the batch
// never aborts for one bad stream.
func (p *Pipeline) probeBatch(ctx context.Context, ch upstream.Channel, streams []upstream.Stream, cfg *config.Config) []probeOutcome {
	duration, timeout := cfg.PipelineMode.ProbeTuning()
	outcomes := make([]probeOutcome, len(streams))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range streams {
		if p.registry.IsDead(s.URL) {
			outcomes[i] = probeOutcome{stream: s, stats: upstream.StreamStats{
				VideoCodec: "N/A",
				AudioCodec: "N/A",
				Status:     upstream.StatusDead,
				ProbedAt:   time.Now().UTC(),
			}}
			continue
		}
		if err := p.lim.Stagger(gctx); err != nil {
			outcomes[i] = probeOutcome{stream: s, stats: canceledStats()}
			continue
		}

		i, s := i, s
		g.Go(func() error {
			accountID := -1
			if s.M3UAccountID != nil {
				accountID = *s.M3UAccountID
			}
			release, err := p.lim.Acquire(gctx, accountID)
			if err != nil {
				outcomes[i] = probeOutcome{stream: s, stats: canceledStats()}
				return nil
			}
			defer release()

			url := s.URL
			if accountID >= 0 {
				url = p.catalog.RewriteURL(accountID, url)
			}
			outcomes[i] = probeOutcome{stream: s, stats: p.exec.Probe(gctx, probe.Params{
				URL:        url,
				Duration:   duration,
				Timeout:    timeout,
				UserAgent:  cfg.StreamAnalysis.UserAgent,
				Retries:    cfg.StreamAnalysis.Retries,
				RetryDelay: cfg.RetryDelay(),
			})}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func canceledStats() upstream.StreamStats {
	return upstream.StreamStats{
		VideoCodec: "N/A",
		AudioCodec: "N/A",
		Status:     upstream.StatusError,
		ProbedAt:   time.Now().UTC(),
	}
}

// classifyDead applies the dead-stream predicate to every probed stream and
// upserts verdicts into the registry. Returns the dead stream IDs.
func (p *Pipeline) classifyDead(ch upstream.Channel, outcomes []probeOutcome, statsByID map[int]upstream.StreamStats, cfg *config.Config) map[int]struct{} {
	dead := make(map[int]struct{})
	if !cfg.DeadStreamHandling.Enabled {
		return dead
	}
	h := cfg.DeadStreamHandling
	for _, o := range outcomes {
		stats := statsByID[o.stream.ID]
		if !p.isDeadStats(stats, h, o.stream) {
			continue
		}
		dead[o.stream.ID] = struct{}{}
		if stats.Status != upstream.StatusDead { // fresh verdict, not pre-marked
			chID := ch.ID
			p.registry.MarkDead(o.stream.URL, o.stream.ID, o.stream.Name, &chID)
		}
	}
	return dead
}

func (p *Pipeline) isDeadStats(stats upstream.StreamStats, h config.DeadStreamHandling, s upstream.Stream) bool {
	if stats.Status != upstream.StatusOK {
		return true
	}
	if h.MinResolutionWidth > 0 && stats.Width() < h.MinResolutionWidth {
		return true
	}
	if h.MinResolutionHeight > 0 && stats.Height() < h.MinResolutionHeight {
		return true
	}
	if h.MinBitrateKbps > 0 && (stats.FFmpegOutputBitrate == nil || *stats.FFmpegOutputBitrate < h.MinBitrateKbps) {
		return true
	}
	if h.MinScore > 0 {
		acct := p.accountOf(s)
		sc := probe.ScoreStream(stats, acct, upstream.PriorityMode(p.cfg.Get().DefaultPriorityMode))
		if sc.Total() < h.MinScore {
			return true
		}
	}
	return false
}

func (p *Pipeline) accountOf(s upstream.Stream) *upstream.M3UAccount {
	if s.M3UAccountID == nil {
		return nil
	}
	if a, ok := p.catalog.Account(*s.M3UAccountID); ok {
		return &a
	}
	return nil
}

// rank orders the channel's live streams best-first.
func (p *Pipeline) rank(streams []upstream.Stream, statsByID map[int]upstream.StreamStats, deadIDs map[int]struct{}, cfg *config.Config) []upstream.Stream {
	globalMode := upstream.PriorityMode(cfg.DefaultPriorityMode)
	type scored struct {
		s     upstream.Stream
		score probe.Score
	}
	live := make([]scored, 0, len(streams))
	for _, s := range streams {
		if _, dead := deadIDs[s.ID]; dead {
			continue
		}
		live = append(live, scored{s: s, score: probe.ScoreStream(statsByID[s.ID], p.accountOf(s), globalMode)})
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].score.Less(live[j].score) {
			return false
		}
		if live[j].score.Less(live[i].score) {
			return true
		}
		return live[i].s.ID < live[j].s.ID
	})
	out := make([]upstream.Stream, 0, len(live))
	for _, sc := range live {
		out = append(out, sc.s)
	}
	return out
}

// RediscoverAssociations re-runs candidate matching for every channel and
// appends newly matching streams to the channel's association. Existing
// associations keep their order; ranking happens when the channel is
// checked. Returns how many channels gained streams.
func (p *Pipeline) RediscoverAssociations(ctx context.Context) (int, error) {
	if p.candidates == nil {
		return 0, nil
	}
	streams := p.catalog.Streams()
	updated := 0
	var firstErr error
	for _, ch := range p.catalog.Channels() {
		found, err := p.candidates(ch.Name, streams)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("rediscover %q: %w", ch.Name, err)
			}
			continue
		}
		have := make(map[int]struct{}, len(ch.Streams))
		for _, id := range ch.Streams {
			have[id] = struct{}{}
		}
		ids := append([]int(nil), ch.Streams...)
		for _, s := range found {
			if _, ok := have[s.ID]; ok {
				continue
			}
			have[s.ID] = struct{}{}
			ids = append(ids, s.ID)
		}
		if len(ids) == len(ch.Streams) {
			continue
		}
		if err := p.up.SetChannelStreams(ctx, ch.ID, ids); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("associate channel %d: %w", ch.ID, err)
			}
			continue
		}
		p.catalog.SetChannelStreams(ch.ID, ids)
		updated++
		p.log.Info().Int("channel", ch.ID).Int("added", len(ids)-len(ch.Streams)).Msg("new streams associated")
	}
	return updated, firstErr
}

// PruneChangelog drops changelog entries older than retention. No-op when
// the changelog is disabled.
func (p *Pipeline) PruneChangelog(ctx context.Context, retention time.Duration) (int64, error) {
	if p.changes == nil {
		return 0, nil
	}
	return p.changes.Prune(ctx, retention)
}

// ReenableChannels re-enables, in the configured profile, channels that
// regained at least one non-dead stream. Returns how many were re-enabled.
func (p *Pipeline) ReenableChannels(ctx context.Context) (int, error) {
	rc := p.cfg.Get().ChannelReenable
	if !rc.Enabled {
		return 0, nil
	}
	profiles, err := p.up.Profiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("reenable: profiles: %w", err)
	}
	var target *upstream.ChannelProfile
	for i := range profiles {
		if profiles[i].ID == rc.ProfileID {
			target = &profiles[i]
			break
		}
	}
	if target == nil {
		return 0, fmt.Errorf("reenable: profile %d not found", rc.ProfileID)
	}
	reenabled := 0
	for _, entry := range target.Channels {
		if entry.Enabled {
			continue
		}
		ch, ok := p.catalog.Channel(entry.ChannelID)
		if !ok {
			continue
		}
		if !p.hasLiveStream(ch) {
			continue
		}
		if err := p.up.SetProfileChannelEnabled(ctx, target.ID, entry.ChannelID, true); err != nil {
			p.log.Warn().Int("channel", entry.ChannelID).Err(err).Msg("reenable patch failed")
			continue
		}
		reenabled++
		p.log.Info().Int("channel", entry.ChannelID).Int("profile", target.ID).Msg("channel re-enabled")
	}
	return reenabled, nil
}

func (p *Pipeline) hasLiveStream(ch upstream.Channel) bool {
	for _, s := range p.channelStreams(ch) {
		if !p.registry.IsDead(s.URL) {
			return true
		}
	}
	return false
}

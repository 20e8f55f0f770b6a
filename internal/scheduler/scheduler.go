// Package scheduler drives the check pipeline: a worker pool draining the
// queue, a daily cron loop for the global sweep, and a dirty-queue loop
// that feeds updated channels back into the queue.
//
// One global-action guard serialises sweeps. The guard pauses the feeder
// loops but never the workers; queued checks keep draining during a sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbeimel/streamflow-sub002/internal/config"
	"github.com/sbeimel/streamflow-sub002/internal/deadstreams"
	"github.com/sbeimel/streamflow-sub002/internal/limiter"
	"github.com/sbeimel/streamflow-sub002/internal/logx"
	"github.com/sbeimel/streamflow-sub002/internal/metrics"
	"github.com/sbeimel/streamflow-sub002/internal/pipeline"
	"github.com/sbeimel/streamflow-sub002/internal/queue"
	"github.com/sbeimel/streamflow-sub002/internal/tracker"
)

const (
	// Queue priorities; lower runs sooner.
	PriorityManual = 0  // single-channel trigger
	PrioritySweep  = 10 // daily global sweep
	PriorityDirty  = 20 // dirty-queue loop

	workerPollTimeout = 2 * time.Second
	cronTick          = 20 * time.Second
	dirtyTick         = 10 * time.Second
)

// ErrSweepInProgress is returned when a global action is requested while
// another one holds the guard.
var ErrSweepInProgress = errors.New("scheduler: global action already in progress")

// ErrPipelineDisabled is returned by the trigger API while pipeline_mode is
// "disabled". Status stays available; nothing else runs.
var ErrPipelineDisabled = errors.New("scheduler: pipeline mode disabled")

// Refresher triggers upstream playlist refreshes. Implemented by
// *upstream.Client.
type Refresher interface {
	RefreshM3UAccount(ctx context.Context, accountID int) error
}

// Scheduler owns the background loops and the trigger API.
type Scheduler struct {
	cfg      *config.Store
	q        *queue.Queue
	pipe     *pipeline.Pipeline
	catalog  *pipeline.Catalog
	track    *tracker.Tracker
	registry *deadstreams.Registry
	lim      *limiter.Limiter
	up       Refresher
	log      zerolog.Logger

	globalAction atomic.Bool

	forcedMu sync.Mutex
	forced   map[int]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time // test hook
}

// New wires a Scheduler. Loops start on Start.
func New(cfg *config.Store, q *queue.Queue, pipe *pipeline.Pipeline, cat *pipeline.Catalog, track *tracker.Tracker, reg *deadstreams.Registry, lim *limiter.Limiter, up Refresher) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		q:        q,
		pipe:     pipe,
		catalog:  cat,
		track:    track,
		registry: reg,
		lim:      lim,
		up:       up,
		log:      logx.WithComponent("scheduler"),
		forced:   make(map[int]struct{}),
		now:      time.Now,
	}
}

// Start launches the worker pool and the feeder loops. With pipeline_mode
// "disabled" the loops idle and only the trigger API does work.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	workers := s.cfg.Get().WorkerCount
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func(n int) {
			defer s.wg.Done()
			s.workerLoop(ctx, n)
		}(i)
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.cronLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.dirtyLoop(ctx)
	}()
	s.log.Info().Int("workers", workers).Msg("started")
}

// Stop cancels the loops and waits up to the shutdown grace for in-flight
// checks to drain.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	grace := s.cfg.Get().ShutdownGrace()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("stopped")
	case <-time.After(grace):
		s.log.Warn().Dur("grace", grace).Msg("shutdown grace expired with checks in flight")
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, n int) {
	log := s.log.With().Int("worker", n).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.cfg.Get().PipelineMode == config.ModeDisabled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerPollTimeout):
			}
			continue
		}
		id, ok := s.q.Next(workerPollTimeout)
		if !ok {
			continue
		}
		s.runCheck(ctx, log, id)
	}
}

// runCheck executes one queued check. A panicking pipeline takes down the
// check, never the worker; the channel is still marked completed so the
// queue cannot wedge on it.
func (s *Scheduler) runCheck(ctx context.Context, log zerolog.Logger, channelID int) {
	defer s.q.MarkCompleted(channelID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("channel", channelID).Interface("panic", r).Msg("check panicked")
		}
	}()
	force := s.takeForced(channelID)
	res := s.pipe.CheckChannel(ctx, channelID, force)
	ev := log.Info()
	if res.Err != nil || res.Missing {
		ev = log.Warn().AnErr("err", res.Err).Bool("missing", res.Missing)
	}
	ev.Int("channel", channelID).
		Bool("force", force).
		Int("probed", res.Probed).
		Int("reused", res.Reused).
		Int("dead", res.Dead).
		Int("removed", res.Removed).
		Dur("took", res.Duration).
		Msg("check finished")
}

// cronLoop fires the global sweep once per day at the configured hh:mm.
// Matching is calendar-day based: a restart inside the trigger minute does
// not re-run a sweep that already happened today.
func (s *Scheduler) cronLoop(ctx context.Context) {
	t := time.NewTicker(cronTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		cfg := s.cfg.Get()
		if cfg.PipelineMode == config.ModeDisabled || !cfg.GlobalCheckSchedule.Enabled {
			continue
		}
		now := s.now()
		if now.Hour() != cfg.GlobalCheckSchedule.Hour || now.Minute() != cfg.GlobalCheckSchedule.Minute {
			continue
		}
		if last := s.track.LastGlobalCheck(); last != nil && sameDay(*last, now) {
			continue
		}
		if err := s.RunGlobalSweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
			s.log.Error().Err(err).Msg("scheduled sweep failed")
		}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

// dirtyLoop re-queues channels whose needs_check flag is set. It idles
// while a global action holds the guard; the flag survives a rejected
// enqueue, so nothing is lost across skipped ticks.
func (s *Scheduler) dirtyLoop(ctx context.Context) {
	t := time.NewTicker(dirtyTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		cfg := s.cfg.Get()
		if cfg.PipelineMode == config.ModeDisabled || !cfg.Queue.CheckOnUpdate {
			continue
		}
		if s.globalAction.Load() {
			continue
		}
		ids := s.track.TakeChannelsNeedingCheck(cfg.Queue.MaxChannelsPerRun)
		added := 0
		for _, id := range ids {
			// A recently-completed channel that got dirty again must be
			// re-queueable immediately.
			s.q.RemoveFromCompleted(id)
			if s.q.Add(id, PriorityDirty) {
				added++
			}
		}
		if added > 0 {
			s.log.Info().Int("dirty", len(ids)).Int("queued", added).Msg("dirty channels queued")
		}
	}
}

// RunGlobalSweep performs the daily global action: refresh every playlist,
// rebuild the catalog and limiter, rediscover channel associations, prune
// the dead registry against current URLs, enqueue all eligible channels,
// and stamp the sweep watermark. Returns ErrSweepInProgress when another
// global action holds the guard.
func (s *Scheduler) RunGlobalSweep(ctx context.Context) error {
	if s.cfg.Get().PipelineMode == config.ModeDisabled {
		return ErrPipelineDisabled
	}
	if !s.globalAction.CompareAndSwap(false, true) {
		return ErrSweepInProgress
	}
	defer s.globalAction.Store(false)
	start := s.now()
	s.log.Info().Msg("global sweep starting")

	for id := range s.catalog.AccountLimits() {
		if err := s.up.RefreshM3UAccount(ctx, id); err != nil {
			s.log.Warn().Int("account", id).Err(err).Msg("playlist refresh failed")
		}
	}
	if err := s.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	s.lim.Reconfigure(s.catalog.AccountLimits())

	if n, err := s.pipe.RediscoverAssociations(ctx); err != nil {
		s.log.Warn().Err(err).Msg("association rediscovery incomplete")
	} else if n > 0 {
		s.log.Info().Int("channels", n).Msg("new stream associations found")
	}

	if removed := s.registry.Cleanup(s.catalog.StreamURLs()); removed > 0 {
		s.log.Info().Int("removed", removed).Msg("dead entries pruned for vanished streams")
	}

	eligible := s.eligibleChannels()
	added := s.q.AddBulk(eligible, PrioritySweep)
	s.track.MarkGlobalCheck()
	metrics.GlobalSweepsTotal.Inc()

	if n, err := s.pipe.ReenableChannels(ctx); err != nil {
		s.log.Warn().Err(err).Msg("re-enable pass failed")
	} else if n > 0 {
		s.log.Info().Int("reenabled", n).Msg("channels re-enabled")
	}

	if ret := s.cfg.Get().ChangelogRetention(); ret > 0 {
		if n, err := s.pipe.PruneChangelog(ctx, ret); err != nil {
			s.log.Warn().Err(err).Msg("changelog prune failed")
		} else if n > 0 {
			s.log.Info().Int64("pruned", n).Msg("old changelog entries dropped")
		}
	}

	s.log.Info().
		Int("eligible", len(eligible)).
		Int("queued", added).
		Dur("took", time.Since(start)).
		Msg("global sweep queued")
	return nil
}

// eligibleChannels lists channels whose checking mode allows sweeps. The
// channel-level flag overrides the group default; absent both, checking is
// enabled.
func (s *Scheduler) eligibleChannels() []int {
	var out []int
	for _, ch := range s.catalog.Channels() {
		mode := ch.CheckingMode
		if mode == nil && ch.GroupID != nil {
			if g, ok := s.catalog.Group(*ch.GroupID); ok {
				mode = g.CheckingMode
			}
		}
		if mode != nil && !*mode {
			continue
		}
		out = append(out, ch.ID)
	}
	sort.Ints(out)
	return out
}

// CheckSingleChannel force-checks one channel at manual priority. The
// channel is made re-queueable first; rejection then means it is already
// queued or running.
func (s *Scheduler) CheckSingleChannel(channelID int) error {
	if s.cfg.Get().PipelineMode == config.ModeDisabled {
		return ErrPipelineDisabled
	}
	s.q.RemoveFromCompleted(channelID)
	s.markForced(channelID)
	if !s.q.Add(channelID, PriorityManual) {
		s.takeForced(channelID)
		return fmt.Errorf("scheduler: channel %d already queued or in progress", channelID)
	}
	s.log.Info().Int("channel", channelID).Msg("manual check queued")
	return nil
}

// CheckAllChannels triggers the global sweep outside the daily schedule.
func (s *Scheduler) CheckAllChannels(ctx context.Context) error {
	return s.RunGlobalSweep(ctx)
}

// NotifyChannelUpdated records an upstream stream-set change; the dirty
// loop picks the channel up on its next tick.
func (s *Scheduler) NotifyChannelUpdated(channelID, streamCount int) {
	s.track.MarkChannelUpdated(channelID, streamCount)
}

func (s *Scheduler) markForced(channelID int) {
	s.forcedMu.Lock()
	s.forced[channelID] = struct{}{}
	s.forcedMu.Unlock()
}

func (s *Scheduler) takeForced(channelID int) bool {
	s.forcedMu.Lock()
	defer s.forcedMu.Unlock()
	if _, ok := s.forced[channelID]; !ok {
		return false
	}
	delete(s.forced, channelID)
	return true
}

// Status is a point-in-time view of scheduler activity.
type Status struct {
	PipelineMode       string     `json:"pipeline_mode"`
	StreamCheckingMode bool       `json:"stream_checking_mode"`
	GlobalSweepActive  bool       `json:"global_sweep_active"`
	Queued             int        `json:"queued"`
	InProgress         []int      `json:"in_progress"`
	Completed          int        `json:"completed"`
	LastGlobalCheck    *time.Time `json:"last_global_check,omitempty"`
	DeadStreams        int        `json:"dead_streams"`
	GlobalSlotsInUse   int        `json:"global_slots_in_use"`
	GlobalSlotCap      int        `json:"global_slot_cap"`
}

// Status reports current activity. stream_checking_mode is true whenever
// any check work exists: a held guard, queued channels, or running checks.
func (s *Scheduler) Status() Status {
	st := s.q.Snapshot()
	inProgress := s.q.InProgressIDs()
	sort.Ints(inProgress)
	sweep := s.globalAction.Load()
	return Status{
		PipelineMode:       string(s.cfg.Get().PipelineMode),
		StreamCheckingMode: sweep || st.Queued > 0 || st.InProgress > 0,
		GlobalSweepActive:  sweep,
		Queued:             st.Queued,
		InProgress:         inProgress,
		Completed:          st.Completed,
		LastGlobalCheck:    s.track.LastGlobalCheck(),
		DeadStreams:        s.registry.Len(),
		GlobalSlotsInUse:   s.lim.GlobalInUse(),
		GlobalSlotCap:      s.lim.GlobalCapacity(),
	}
}

// UpdateConfig validates and installs a new configuration. Queue bounds and
// the global probe limit are fixed at startup; mode, schedule, predicate
// and analysis settings apply to subsequent checks immediately.
func (s *Scheduler) UpdateConfig(cfg *config.Config) error {
	return s.cfg.Update(cfg)
}

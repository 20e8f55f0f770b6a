// Package tracker keeps the per-channel check watermark: when a channel was
// last checked, which stream IDs were seen, and whether it needs rechecking.
//
// The needs_check flag is cleared by MarkChannelChecked only. Neither
// enqueueing a channel, starting a global sweep, nor MarkGlobalCheck may
// touch it.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbeimel/streamflow-sub002/internal/logx"
)

// Record is one channel's persistent check watermark.
type Record struct {
	LastCheckedAt        *time.Time `json:"last_checked_at,omitempty"`
	LastStreamCount      int        `json:"last_stream_count"`
	LastCheckedStreamIDs []int      `json:"last_checked_stream_ids,omitempty"`
	NeedsCheck           bool       `json:"needs_check"`
	LastUpdatedAt        *time.Time `json:"last_updated_at,omitempty"`
}

type fileFormat struct {
	Channels          map[int]*Record `json:"channels"`
	LastGlobalCheckAt *time.Time      `json:"last_global_check_at,omitempty"`
}

// Tracker is the durable watermark store. One mutex guards all state; the
// write-through save happens under the mutex (short, local file I/O only).
type Tracker struct {
	mu              sync.Mutex
	channels        map[int]*Record
	lastGlobalCheck *time.Time
	path            string // "" disables persistence
	log             zerolog.Logger
}

// Load reads tracker state from path ("" = in-memory only). A corrupt file
// logs a warning and starts empty; the next save overwrites it.
func Load(path string) *Tracker {
	t := &Tracker{
		channels: make(map[int]*Record),
		path:     path,
		log:      logx.WithComponent("tracker"),
	}
	if path == "" {
		return t
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warn().Str("path", path).Err(err).Msg("state unreadable; starting empty")
		}
		return t
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		t.log.Warn().Str("path", path).Err(err).Msg("state corrupt; starting empty")
		return t
	}
	if f.Channels != nil {
		t.channels = f.Channels
	}
	t.lastGlobalCheck = f.LastGlobalCheckAt
	return t
}

func (t *Tracker) record(id int) *Record {
	r, ok := t.channels[id]
	if !ok {
		r = &Record{}
		t.channels[id] = r
	}
	return r
}

// MarkChannelUpdated records that a channel's stream set changed upstream.
// Sets needs_check; does not touch last_checked_stream_ids.
func (t *Tracker) MarkChannelUpdated(channelID, streamCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markUpdatedLocked(channelID, streamCount)
	t.saveLocked()
}

// MarkChannelsUpdated is the batch variant of MarkChannelUpdated with one
// durable write for the whole batch.
func (t *Tracker) MarkChannelsUpdated(counts map[int]int) {
	if len(counts) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, count := range counts {
		t.markUpdatedLocked(id, count)
	}
	t.saveLocked()
}

func (t *Tracker) markUpdatedLocked(channelID, streamCount int) {
	now := time.Now().UTC()
	r := t.record(channelID)
	r.LastUpdatedAt = &now
	r.NeedsCheck = true
	r.LastStreamCount = streamCount
}

// MarkChannelChecked records a completed check. This is the only operation
// that clears needs_check.
func (t *Tracker) MarkChannelChecked(channelID, streamCount int, checkedStreamIDs []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	ids := append([]int(nil), checkedStreamIDs...)
	sort.Ints(ids)
	r := t.record(channelID)
	r.LastCheckedAt = &now
	r.NeedsCheck = false
	r.LastCheckedStreamIDs = ids
	r.LastStreamCount = streamCount
	t.saveLocked()
}

// MarkGlobalCheck stamps the global sweep watermark. It must not alter any
// channel's needs_check flag.
func (t *Tracker) MarkGlobalCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	t.lastGlobalCheck = &now
	t.saveLocked()
}

// LastGlobalCheck returns the last global sweep time, nil if never.
func (t *Tracker) LastGlobalCheck() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastGlobalCheck == nil {
		return nil
	}
	ts := *t.lastGlobalCheck
	return &ts
}

// NeedsCheck reports a channel's dirty flag.
func (t *Tracker) NeedsCheck(channelID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.channels[channelID]
	return ok && r.NeedsCheck
}

// LastCheckedStreamIDs returns the stream-ID set seen at the last completed
// check (sorted), nil if the channel was never checked.
func (t *Tracker) LastCheckedStreamIDs(channelID int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	return append([]int(nil), r.LastCheckedStreamIDs...)
}

// ChannelsNeedingCheck returns all channel IDs with needs_check set, sorted.
func (t *Tracker) ChannelsNeedingCheck() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for id, r := range t.channels {
		if r.NeedsCheck {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// TakeChannelsNeedingCheck returns up to max dirty channel IDs for the
// dirty-queue loop. It does NOT clear needs_check — only MarkChannelChecked
// does; a channel the queue rejects stays dirty and is retried next tick.
func (t *Tracker) TakeChannelsNeedingCheck(max int) []int {
	ids := t.ChannelsNeedingCheck()
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	return ids
}

// Snapshot returns a copy of one channel's record and whether it exists.
func (t *Tracker) Snapshot(channelID int) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.channels[channelID]
	if !ok {
		return Record{}, false
	}
	cp := *r
	cp.LastCheckedStreamIDs = append([]int(nil), r.LastCheckedStreamIDs...)
	return cp, true
}

// Len returns the number of tracked channels.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// saveLocked writes state atomically under the mutex so the file is always
// a strict snapshot of memory.
func (t *Tracker) saveLocked() {
	if t.path == "" {
		return
	}
	f := fileFormat{Channels: t.channels, LastGlobalCheckAt: t.lastGlobalCheck}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		t.log.Error().Err(err).Msg("marshal failed")
		return
	}
	dir := filepath.Dir(filepath.Clean(t.path))
	tmp, err := os.CreateTemp(dir, ".tracker-*.json.tmp")
	if err != nil {
		t.log.Error().Err(err).Msg("save: create temp failed")
		return
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		t.log.Error().AnErr("write", werr).AnErr("close", cerr).Msg("save failed")
		return
	}
	if err := os.Rename(name, t.path); err != nil {
		os.Remove(name)
		t.log.Error().Err(fmt.Errorf("rename: %w", err)).Msg("save failed")
	}
}

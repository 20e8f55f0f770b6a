// Package deadstreams is the persistent record of stream URLs judged dead.
//
// The registry only records verdicts; removing a dead stream from a channel
// is the pipeline's job. A URL present here is treated as Dead without
// probing until the URL leaves the playlist or a revive clears it.
package deadstreams

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbeimel/streamflow-sub002/internal/logx"
	"github.com/sbeimel/streamflow-sub002/internal/metrics"
)

// Entry is one dead-stream record, keyed by URL in the registry file.
type Entry struct {
	StreamID     int       `json:"stream_id"`
	StreamName   string    `json:"stream_name"`
	ChannelID    *int      `json:"channel_id,omitempty"`
	MarkedDeadAt time.Time `json:"marked_dead_at"`
}

// Registry is a mutex-guarded URL -> Entry map persisted write-through to a
// JSON file. A corrupt or missing file yields an empty registry; the next
// mutation overwrites it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	path    string // "" disables persistence
	log     zerolog.Logger
}

// Load reads the registry from path ("" = in-memory only).
func Load(path string) *Registry {
	r := &Registry{
		entries: make(map[string]Entry),
		path:    path,
		log:     logx.WithComponent("deadstreams"),
	}
	if path == "" {
		return r
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn().Str("path", path).Err(err).Msg("registry unreadable; starting empty")
		}
		return r
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		r.log.Warn().Str("path", path).Err(err).Msg("registry corrupt; starting empty")
		r.entries = make(map[string]Entry)
	}
	return r
}

// MarkDead upserts a dead verdict for url. Idempotent: re-marking an
// already-dead URL refreshes attribution but keeps the original timestamp.
func (r *Registry) MarkDead(url string, streamID int, name string, channelID *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := Entry{StreamID: streamID, StreamName: name, ChannelID: channelID, MarkedDeadAt: time.Now().UTC()}
	if prev, ok := r.entries[url]; ok {
		e.MarkedDeadAt = prev.MarkedDeadAt
	} else {
		metrics.DeadStreamsMarked.Inc()
	}
	r.entries[url] = e
	r.saveLocked()
}

// MarkAlive removes url from the registry; no-op when absent.
func (r *Registry) MarkAlive(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[url]; !ok {
		return
	}
	delete(r.entries, url)
	metrics.DeadStreamsRevived.Inc()
	r.saveLocked()
}

// IsDead reports whether url has a dead verdict.
func (r *Registry) IsDead(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[url]
	return ok
}

// Cleanup drops entries whose URL is no longer in currentURLs (the playlist
// disappeared). Returns the number removed. Run after each playlist refresh.
func (r *Registry) Cleanup(currentURLs map[string]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for url := range r.entries {
		if _, ok := currentURLs[url]; !ok {
			delete(r.entries, url)
			removed++
		}
	}
	if removed > 0 {
		metrics.DeadStreamsRevived.Add(float64(removed))
		r.saveLocked()
	}
	return removed
}

// ClearForChannel removes every entry whose URL is in channelURLs, letting a
// single-channel force-check rediscover revived streams.
func (r *Registry) ClearForChannel(channelURLs map[string]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for url := range channelURLs {
		if _, ok := r.entries[url]; ok {
			delete(r.entries, url)
			removed++
		}
	}
	if removed > 0 {
		metrics.DeadStreamsRevived.Add(float64(removed))
		r.saveLocked()
	}
	return removed
}

// CountForChannel returns how many dead entries are attributed to channelID.
func (r *Registry) CountForChannel(channelID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.ChannelID != nil && *e.ChannelID == channelID {
			n++
		}
	}
	return n
}

// Len returns the number of dead entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// saveLocked writes the registry atomically (temp file + rename). Persisting
// while holding the mutex keeps the file a strict snapshot of memory.
func (r *Registry) saveLocked() {
	if r.path == "" {
		return
	}
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		r.log.Error().Err(err).Msg("marshal failed")
		return
	}
	if err := atomicWrite(r.path, data); err != nil {
		r.log.Error().Str("path", r.path).Err(err).Msg("save failed")
	}
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".deadstreams-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		if werr != nil {
			return fmt.Errorf("write: %w", werr)
		}
		return fmt.Errorf("close: %w", cerr)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

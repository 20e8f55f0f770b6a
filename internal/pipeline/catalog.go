package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/sbeimel/streamflow-sub002/internal/upstream"
)

// Catalog is the in-memory snapshot of upstream channels, streams and M3U
// accounts. Workers read it during checks; the scheduler refreshes it at
// sweep start and after playlist refreshes. One mutex guards everything;
// the refresh fetches first and swaps under the lock so readers never see
// a half-built snapshot.
type Catalog struct {
	fetch Fetcher

	mu       sync.RWMutex
	channels map[int]upstream.Channel
	streams  map[int]upstream.Stream
	accounts map[int]upstream.M3UAccount
	groups   map[int]upstream.ChannelGroup
	rewrites map[int]*regexp.Regexp // account ID -> compiled url_rewrite
}

// Fetcher is the subset of the upstream client the catalog needs.
type Fetcher interface {
	Channels(ctx context.Context) ([]upstream.Channel, error)
	ChannelGroups(ctx context.Context) ([]upstream.ChannelGroup, error)
	Streams(ctx context.Context) ([]upstream.Stream, error)
	M3UAccounts(ctx context.Context) ([]upstream.M3UAccount, error)
}

// NewCatalog builds an empty catalog over the fetcher.
func NewCatalog(fetch Fetcher) *Catalog {
	return &Catalog{
		fetch:    fetch,
		channels: make(map[int]upstream.Channel),
		streams:  make(map[int]upstream.Stream),
		accounts: make(map[int]upstream.M3UAccount),
		groups:   make(map[int]upstream.ChannelGroup),
		rewrites: make(map[int]*regexp.Regexp),
	}
}

// Refresh pulls a full snapshot from the upstream. Bad url_rewrite patterns
// are skipped (rewrite disabled for that account), not fatal.
func (c *Catalog) Refresh(ctx context.Context) error {
	channels, err := c.fetch.Channels(ctx)
	if err != nil {
		return fmt.Errorf("catalog: channels: %w", err)
	}
	streams, err := c.fetch.Streams(ctx)
	if err != nil {
		return fmt.Errorf("catalog: streams: %w", err)
	}
	accounts, err := c.fetch.M3UAccounts(ctx)
	if err != nil {
		return fmt.Errorf("catalog: accounts: %w", err)
	}
	groups, err := c.fetch.ChannelGroups(ctx)
	if err != nil {
		return fmt.Errorf("catalog: groups: %w", err)
	}

	chm := make(map[int]upstream.Channel, len(channels))
	for _, ch := range channels {
		chm[ch.ID] = ch
	}
	stm := make(map[int]upstream.Stream, len(streams))
	for _, s := range streams {
		stm[s.ID] = s
	}
	acm := make(map[int]upstream.M3UAccount, len(accounts))
	rw := make(map[int]*regexp.Regexp)
	for _, a := range accounts {
		acm[a.ID] = a
		if a.URLRewrite != nil && a.URLRewrite.Pattern != "" {
			if re, err := regexp.Compile(a.URLRewrite.Pattern); err == nil {
				rw[a.ID] = re
			}
		}
	}
	grm := make(map[int]upstream.ChannelGroup, len(groups))
	for _, g := range groups {
		grm[g.ID] = g
	}

	c.mu.Lock()
	c.channels, c.streams, c.accounts, c.groups, c.rewrites = chm, stm, acm, grm, rw
	c.mu.Unlock()
	return nil
}

// Channel returns one channel by ID.
func (c *Catalog) Channel(id int) (upstream.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// Channels returns all channels.
func (c *Catalog) Channels() []upstream.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]upstream.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Group returns one channel group by ID.
func (c *Catalog) Group(id int) (upstream.ChannelGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	return g, ok
}

// Stream returns one stream by ID.
func (c *Catalog) Stream(id int) (upstream.Stream, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[id]
	return s, ok
}

// Streams returns all streams.
func (c *Catalog) Streams() []upstream.Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]upstream.Stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	return out
}

// StreamURLs returns the URL set of every known stream (registry cleanup).
func (c *Catalog) StreamURLs() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{}, len(c.streams))
	for _, s := range c.streams {
		out[s.URL] = struct{}{}
	}
	return out
}

// Account returns one M3U account by ID.
func (c *Catalog) Account(id int) (upstream.M3UAccount, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[id]
	return a, ok
}

// AccountLimits maps account ID -> max concurrent probes (limiter rebuild).
func (c *Catalog) AccountLimits() map[int]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]int, len(c.accounts))
	for id, a := range c.accounts {
		out[id] = a.MaxConcurrentStreams
	}
	return out
}

// RewriteURL applies the account's url_rewrite to a probe URL. The stored
// stream URL is never mutated; only the probed copy is rewritten.
func (c *Catalog) RewriteURL(accountID int, url string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	re, ok := c.rewrites[accountID]
	if !ok {
		return url
	}
	a := c.accounts[accountID]
	if a.URLRewrite == nil {
		return url
	}
	return re.ReplaceAllString(url, a.URLRewrite.Replacement)
}

// SetChannelStreams updates the cached association after an upstream PATCH.
func (c *Catalog) SetChannelStreams(channelID int, streamIDs []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	ch.Streams = append([]int(nil), streamIDs...)
	c.channels[channelID] = ch
}

// SetStreamStats updates the cached stats after an upstream PATCH.
func (c *Catalog) SetStreamStats(streamID int, stats upstream.StreamStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[streamID]
	if !ok {
		return
	}
	s.Stats = &stats
	c.streams[streamID] = s
}

package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbeimel/streamflow-sub002/internal/config"
	"github.com/sbeimel/streamflow-sub002/internal/deadstreams"
	"github.com/sbeimel/streamflow-sub002/internal/limiter"
	"github.com/sbeimel/streamflow-sub002/internal/probe"
	"github.com/sbeimel/streamflow-sub002/internal/tracker"
	"github.com/sbeimel/streamflow-sub002/internal/upstream"
)

// fakeUpstream implements Fetcher and Patcher against in-memory fixtures.
type fakeUpstream struct {
	mu       sync.Mutex
	channels []upstream.Channel
	groups   []upstream.ChannelGroup
	streams  []upstream.Stream
	accounts []upstream.M3UAccount
	profiles []upstream.ChannelProfile

	orders    map[int][]int
	patched   map[int]upstream.StreamStats
	enabled   map[int][]int // profile -> channels enabled
	refreshed []int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		orders:  make(map[int][]int),
		patched: make(map[int]upstream.StreamStats),
		enabled: make(map[int][]int),
	}
}

func (f *fakeUpstream) Channels(context.Context) ([]upstream.Channel, error) {
	return f.channels, nil
}
func (f *fakeUpstream) ChannelGroups(context.Context) ([]upstream.ChannelGroup, error) {
	return f.groups, nil
}
func (f *fakeUpstream) Streams(context.Context) ([]upstream.Stream, error) {
	return f.streams, nil
}
func (f *fakeUpstream) M3UAccounts(context.Context) ([]upstream.M3UAccount, error) {
	return f.accounts, nil
}
func (f *fakeUpstream) Profiles(context.Context) ([]upstream.ChannelProfile, error) {
	return f.profiles, nil
}
func (f *fakeUpstream) PatchStreamStats(_ context.Context, id int, stats upstream.StreamStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patched[id] = stats
	return nil
}
func (f *fakeUpstream) SetChannelStreams(_ context.Context, channelID int, ids []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[channelID] = append([]int(nil), ids...)
	return nil
}
func (f *fakeUpstream) SetProfileChannelEnabled(_ context.Context, profileID, channelID int, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enabled {
		f.enabled[profileID] = append(f.enabled[profileID], channelID)
	}
	return nil
}
func (f *fakeUpstream) RefreshM3UAccount(_ context.Context, accountID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, accountID)
	return nil
}

// fakeProber serves canned stats per URL and records what was probed.
type fakeProber struct {
	mu     sync.Mutex
	stats  map[string]upstream.StreamStats
	probed []string
}

func (p *fakeProber) Probe(_ context.Context, params probe.Params) upstream.StreamStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, params.URL)
	if s, ok := p.stats[params.URL]; ok {
		return s
	}
	return okStats("1920x1080")
}

func (p *fakeProber) probedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.probed...)
}

func okStats(res string) upstream.StreamStats {
	kbps := 4000.0
	return upstream.StreamStats{
		Resolution:          res,
		SourceFPS:           25,
		VideoCodec:          "h264",
		AudioCodec:          "aac",
		FFmpegOutputBitrate: &kbps,
		Status:              upstream.StatusOK,
		ProbedAt:            time.Now().UTC(),
	}
}

func errStats() upstream.StreamStats {
	return upstream.StreamStats{
		VideoCodec: "N/A",
		AudioCodec: "N/A",
		Status:     upstream.StatusError,
		ProbedAt:   time.Now().UTC(),
	}
}

type testRig struct {
	up    *fakeUpstream
	pro   *fakeProber
	reg   *deadstreams.Registry
	track *tracker.Tracker
	cat   *Catalog
	store *config.Store
	pipe  *Pipeline
}

func newRig(t *testing.T, up *fakeUpstream, cfg *config.Config) *testRig {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	cat := NewCatalog(up)
	require.NoError(t, cat.Refresh(context.Background()))

	rig := &testRig{
		up:    up,
		pro:   &fakeProber{stats: make(map[string]upstream.StreamStats)},
		reg:   deadstreams.Load(""),
		track: tracker.Load(""),
		cat:   cat,
		store: config.NewStore(cfg),
	}
	lim := limiter.New(cfg.ConcurrentStreams.GlobalLimit, 0)
	rig.pipe = New(cat, up, rig.reg, rig.track, rig.pro, lim, nil, nil, rig.store)
	return rig
}

func twoStreamChannel() *fakeUpstream {
	up := newFakeUpstream()
	up.channels = []upstream.Channel{{ID: 1, Name: "Sky Sport 1", Streams: []int{10, 20}}}
	up.streams = []upstream.Stream{
		{ID: 10, URL: "http://a/10.ts", Name: "Sky Sport 1 HD"},
		{ID: 20, URL: "http://a/20.ts", Name: "Sky Sport 1 FHD"},
	}
	return up
}

func TestCheckChannelProbesOnlyNewStreams(t *testing.T) {
	up := twoStreamChannel()
	prev := okStats("1280x720")
	up.streams[0].Stats = &prev

	rig := newRig(t, up, nil)
	rig.track.MarkChannelChecked(1, 1, []int{10})

	res := rig.pipe.CheckChannel(context.Background(), 1, false)

	assert.Equal(t, 1, res.Probed)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, []string{"http://a/20.ts"}, rig.pro.probedURLs())

	// The fresh 1080p stream outranks the remembered 720p one.
	assert.Equal(t, []int{20, 10}, up.orders[1])
	_, patched10 := up.patched[10]
	assert.False(t, patched10, "reused streams are not re-pushed")
	assert.Contains(t, up.patched, 20)

	assert.False(t, rig.track.NeedsCheck(1))
	assert.Equal(t, []int{10, 20}, rig.track.LastCheckedStreamIDs(1))
}

func TestCheckChannelValidateExistingProbesAll(t *testing.T) {
	up := twoStreamChannel()
	cfg := config.Default()
	cfg.ValidateExistingStreams = true
	rig := newRig(t, up, cfg)
	rig.track.MarkChannelChecked(1, 2, []int{10, 20})

	res := rig.pipe.CheckChannel(context.Background(), 1, false)

	assert.Equal(t, 2, res.Probed)
	assert.Zero(t, res.Reused)
	assert.Len(t, rig.pro.probedURLs(), 2)
}

func TestCheckChannelDeadStreamRemoved(t *testing.T) {
	up := twoStreamChannel()
	rig := newRig(t, up, nil)
	rig.pro.stats["http://a/20.ts"] = errStats()

	res := rig.pipe.CheckChannel(context.Background(), 1, false)

	assert.Equal(t, 1, res.Dead)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, []int{10}, up.orders[1])
	assert.True(t, rig.reg.IsDead("http://a/20.ts"))
	// The failed probe's stats still reach the upstream.
	assert.Equal(t, upstream.StatusError, up.patched[20].Status)
}

func TestCheckChannelDeadKeptWhenRemovalDisabled(t *testing.T) {
	up := twoStreamChannel()
	cfg := config.Default()
	cfg.DeadStreamHandling.RemoveFromChannel = false
	rig := newRig(t, up, cfg)
	rig.pro.stats["http://a/10.ts"] = errStats()

	res := rig.pipe.CheckChannel(context.Background(), 1, false)

	assert.Equal(t, 1, res.Dead)
	assert.Zero(t, res.Removed)
	assert.Equal(t, []int{20, 10}, up.orders[1], "dead stream stays, ranked last")
}

func TestCheckChannelQualityFloor(t *testing.T) {
	up := twoStreamChannel()
	cfg := config.Default()
	cfg.DeadStreamHandling.MinResolutionWidth = 1280
	rig := newRig(t, up, cfg)
	rig.pro.stats["http://a/10.ts"] = okStats("640x480")

	res := rig.pipe.CheckChannel(context.Background(), 1, false)

	assert.Equal(t, 1, res.Dead, "an OK probe below the floor is dead")
	assert.Equal(t, []int{20}, up.orders[1])
}

func TestCheckChannelRegistrySkipsProbe(t *testing.T) {
	up := twoStreamChannel()
	cfg := config.Default()
	cfg.ValidateExistingStreams = true
	rig := newRig(t, up, cfg)
	rig.reg.MarkDead("http://a/10.ts", 10, "Sky Sport 1 HD", nil)

	res := rig.pipe.CheckChannel(context.Background(), 1, false)

	assert.Equal(t, []string{"http://a/20.ts"}, rig.pro.probedURLs(), "registry verdict reused")
	assert.Equal(t, upstream.StatusDead, up.patched[10].Status)
	assert.Equal(t, 1, res.Dead)
}

func TestCheckChannelRewritesProbeURLOnly(t *testing.T) {
	acct := 5
	up := newFakeUpstream()
	up.channels = []upstream.Channel{{ID: 1, Name: "News", Streams: []int{10}}}
	up.streams = []upstream.Stream{{ID: 10, URL: "http://cdn-a.example/10.ts", Name: "News", M3UAccountID: &acct}}
	up.accounts = []upstream.M3UAccount{{
		ID:         5,
		URLRewrite: &upstream.URLRewrite{Pattern: `cdn-a\.example`, Replacement: "cdn-b.example"},
	}}
	rig := newRig(t, up, nil)

	rig.pipe.CheckChannel(context.Background(), 1, false)

	assert.Equal(t, []string{"http://cdn-b.example/10.ts"}, rig.pro.probedURLs())
	stream, ok := rig.cat.Stream(10)
	require.True(t, ok)
	assert.Equal(t, "http://cdn-a.example/10.ts", stream.URL, "stored URL untouched")
}

func TestCheckChannelMergesForeignStatsKeys(t *testing.T) {
	up := twoStreamChannel()
	prev := okStats("1280x720")
	prev.Extra = map[string]json.RawMessage{"proxy_note": json.RawMessage(`"keep"`)}
	up.streams[1].Stats = &prev
	cfg := config.Default()
	cfg.ValidateExistingStreams = true
	rig := newRig(t, up, cfg)

	rig.pipe.CheckChannel(context.Background(), 1, false)

	require.Contains(t, up.patched, 20)
	assert.JSONEq(t, `"keep"`, string(up.patched[20].Extra["proxy_note"]))
}

func TestCheckChannelMissing(t *testing.T) {
	rig := newRig(t, newFakeUpstream(), nil)
	res := rig.pipe.CheckChannel(context.Background(), 99, false)
	assert.True(t, res.Missing)
}

func TestForceCheckClearsRegistryAndRefreshes(t *testing.T) {
	acct := 5
	up := twoStreamChannel()
	up.streams[0].M3UAccountID = &acct
	up.accounts = []upstream.M3UAccount{{ID: 5}}
	rig := newRig(t, up, nil)
	rig.reg.MarkDead("http://a/10.ts", 10, "Sky Sport 1 HD", nil)
	rig.track.MarkChannelChecked(1, 2, []int{10, 20})

	res := rig.pipe.CheckChannel(context.Background(), 1, true)

	assert.Equal(t, []int{5}, up.refreshed, "owning playlist refreshed")
	assert.False(t, rig.reg.IsDead("http://a/10.ts"), "verdict cleared for re-probe")
	assert.Equal(t, 2, res.Probed, "force probes every stream")
}

func TestRediscoverAssociationsAppendsNewMatches(t *testing.T) {
	up := twoStreamChannel()
	up.channels[0].Streams = []int{10}
	rig := newRig(t, up, nil)
	rig.pipe.candidates = func(name string, streams []upstream.Stream) ([]upstream.Stream, error) {
		var out []upstream.Stream
		for _, s := range streams {
			if strings.HasPrefix(s.Name, name) {
				out = append(out, s)
			}
		}
		return out, nil
	}

	n, err := rig.pipe.RediscoverAssociations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{10, 20}, up.orders[1], "existing order kept, new match appended")
	ch, ok := rig.cat.Channel(1)
	require.True(t, ok)
	assert.Equal(t, []int{10, 20}, ch.Streams)
}

func TestRediscoverAssociationsNoNewMatchesNoWrite(t *testing.T) {
	up := twoStreamChannel()
	rig := newRig(t, up, nil)
	rig.pipe.candidates = func(string, []upstream.Stream) ([]upstream.Stream, error) {
		return nil, nil
	}

	n, err := rig.pipe.RediscoverAssociations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, up.orders, "no upstream write without new matches")
}

func TestReenableChannels(t *testing.T) {
	up := twoStreamChannel()
	up.channels = append(up.channels, upstream.Channel{ID: 2, Name: "Dead FM", Streams: []int{30}})
	up.streams = append(up.streams, upstream.Stream{ID: 30, URL: "http://a/30.ts", Name: "Dead FM"})
	up.profiles = []upstream.ChannelProfile{{
		ID: 3,
		Channels: []upstream.ProfileChannelEntry{
			{ChannelID: 1, Enabled: false},
			{ChannelID: 2, Enabled: false},
		},
	}}
	cfg := config.Default()
	cfg.ChannelReenable = config.ChannelReenable{Enabled: true, ProfileID: 3}
	rig := newRig(t, up, cfg)
	rig.reg.MarkDead("http://a/30.ts", 30, "Dead FM", nil)

	n, err := rig.pipe.ReenableChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{1}, up.enabled[3], "only the channel with a live stream")
}

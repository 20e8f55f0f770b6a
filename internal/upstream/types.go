package upstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProbeStatus classifies the outcome of one stream probe.
type ProbeStatus string

const (
	StatusOK      ProbeStatus = "OK"
	StatusTimeout ProbeStatus = "Timeout"
	StatusError   ProbeStatus = "Error"
	StatusDead    ProbeStatus = "Dead"
)

// StreamStats is the per-stream measurement record stored on the upstream.
//
// Unknown keys present in the upstream's copy are preserved across the
// PATCH round-trip: they are captured into Extra on unmarshal and emitted
// again on marshal. The typed fields are the in-memory schema; JSON is the
// persistence boundary only.
type StreamStats struct {
	Resolution          string      `json:"-"` // "WxH", "" = unknown
	SourceFPS           float64     `json:"-"`
	VideoCodec          string      `json:"-"`
	AudioCodec          string      `json:"-"`
	FFmpegOutputBitrate *float64    `json:"-"` // kbps; nil = not measured
	Status              ProbeStatus `json:"-"`
	ProbedAt            time.Time   `json:"-"`

	// Extra holds upstream-owned keys this service does not interpret.
	Extra map[string]json.RawMessage `json:"-"`
}

type streamStatsWire struct {
	Resolution          string   `json:"resolution,omitempty"`
	SourceFPS           float64  `json:"source_fps,omitempty"`
	VideoCodec          string   `json:"video_codec,omitempty"`
	AudioCodec          string   `json:"audio_codec,omitempty"`
	FFmpegOutputBitrate *float64 `json:"ffmpeg_output_bitrate,omitempty"`
	Status              string   `json:"status,omitempty"`
	ProbedAt            string   `json:"probed_at,omitempty"`
}

var statsKnownKeys = map[string]bool{
	"resolution": true, "source_fps": true, "video_codec": true,
	"audio_codec": true, "ffmpeg_output_bitrate": true, "status": true,
	"probed_at": true,
}

// MarshalJSON emits the typed fields merged with any preserved Extra keys.
func (s StreamStats) MarshalJSON() ([]byte, error) {
	wire := streamStatsWire{
		Resolution:          s.Resolution,
		SourceFPS:           s.SourceFPS,
		VideoCodec:          s.VideoCodec,
		AudioCodec:          s.AudioCodec,
		FFmpegOutputBitrate: s.FFmpegOutputBitrate,
		Status:              string(s.Status),
	}
	if !s.ProbedAt.IsZero() {
		wire.ProbedAt = s.ProbedAt.UTC().Format(time.RFC3339)
	}
	known, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if !statsKnownKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the typed fields and stashes unknown keys into Extra.
func (s *StreamStats) UnmarshalJSON(data []byte) error {
	var wire streamStatsWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.Resolution = wire.Resolution
	s.SourceFPS = wire.SourceFPS
	s.VideoCodec = wire.VideoCodec
	s.AudioCodec = wire.AudioCodec
	s.FFmpegOutputBitrate = wire.FFmpegOutputBitrate
	s.Status = ProbeStatus(wire.Status)
	if wire.ProbedAt != "" {
		if t, err := time.Parse(time.RFC3339, wire.ProbedAt); err == nil {
			s.ProbedAt = t
		}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Extra = nil
	for k, v := range raw {
		if statsKnownKeys[k] {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage)
		}
		s.Extra[k] = v
	}
	return nil
}

// Width returns the horizontal resolution, 0 when unknown.
func (s StreamStats) Width() int { w, _ := splitResolution(s.Resolution); return w }

// Height returns the vertical resolution, 0 when unknown.
func (s StreamStats) Height() int { _, h := splitResolution(s.Resolution); return h }

func splitResolution(res string) (w, h int) {
	a, b, ok := strings.Cut(strings.ToLower(strings.TrimSpace(res)), "x")
	if !ok {
		return 0, 0
	}
	w, _ = strconv.Atoi(strings.TrimSpace(a))
	h, _ = strconv.Atoi(strings.TrimSpace(b))
	if w < 0 || h < 0 {
		return 0, 0
	}
	return w, h
}

// Stream is one playable URL owned by the upstream.
type Stream struct {
	ID           int          `json:"id"`
	URL          string       `json:"url"`
	Name         string       `json:"name"`
	M3UAccountID *int         `json:"m3u_account,omitempty"`
	Stats        *StreamStats `json:"stream_stats,omitempty"`
}

// Channel is a logical TV channel owned by the upstream. The scheduler
// mutates only profile membership and stream association/order.
type Channel struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	GroupID      *int   `json:"channel_group,omitempty"`
	Streams      []int  `json:"streams"` // associated stream IDs, playback order
	CheckingMode *bool  `json:"checking_mode,omitempty"`
}

// ChannelGroup carries the group-level checking-mode default.
type ChannelGroup struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	CheckingMode *bool  `json:"checking_mode,omitempty"`
}

// PriorityMode selects how an account's priority bonus is applied.
type PriorityMode string

const (
	// PriorityUnset means "inherit the configured global default".
	PriorityUnset          PriorityMode = ""
	PriorityDisabled       PriorityMode = "disabled"
	PrioritySameResolution PriorityMode = "same_resolution"
	PriorityAllStreams     PriorityMode = "all_streams"
)

// URLRewrite is a regex rewrite applied to stream URLs before probing.
type URLRewrite struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// M3UAccount is an upstream playlist source with a per-account probe cap.
type M3UAccount struct {
	ID                   int          `json:"id"`
	Name                 string       `json:"name"`
	MaxConcurrentStreams int          `json:"max_streams"` // 0 = unlimited
	Priority             int          `json:"priority"`    // 0-100
	PriorityMode         PriorityMode `json:"priority_mode,omitempty"`
	URLRewrite           *URLRewrite  `json:"url_rewrite,omitempty"`
}

// ChannelProfile is an upstream channel grouping with per-channel enablement.
type ChannelProfile struct {
	ID       int                   `json:"id"`
	Name     string                `json:"name"`
	Channels []ProfileChannelEntry `json:"channels"`
}

// ProfileChannelEntry records one channel's membership in a profile.
type ProfileChannelEntry struct {
	ChannelID int  `json:"channel_id"`
	Enabled   bool `json:"enabled"`
}

// ProxyChannelStatus is one entry from GET /proxy/ts/status.
type ProxyChannelStatus struct {
	ChannelID    int    `json:"channel_id"`
	State        string `json:"state"`
	StreamID     int    `json:"stream_id"`
	M3UProfileID int    `json:"m3u_profile_id"`
	ClientCount  int    `json:"client_count"`
}

// ErrNotFound is returned when the upstream reports 404 for an entity.
var ErrNotFound = fmt.Errorf("upstream: not found")

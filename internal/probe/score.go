package probe

import (
	"github.com/sbeimel/streamflow-sub002/internal/upstream"
)

// Score is a ranked stream's quality verdict. Primary carries the
// resolution component (plus the account bonus in all_streams mode);
// Secondary carries fps/bitrate/codec (plus the bonus in same_resolution
// mode, so priority only reorders streams inside one resolution bucket).
type Score struct {
	Primary   float64
	Secondary float64
}

// Total is the combined score used by the dead-stream predicate.
func (s Score) Total() float64 { return s.Primary + s.Secondary }

// Less reports whether s ranks strictly below other.
func (s Score) Less(other Score) bool {
	if s.Primary != other.Primary {
		return s.Primary < other.Primary
	}
	return s.Secondary < other.Secondary
}

// EffectiveMode resolves an account's priority mode, falling back to the
// configured global default when the account carries no explicit mode. The
// fallback is resolved at call time so a global default change applies to
// such accounts immediately.
func EffectiveMode(acct *upstream.M3UAccount, globalDefault upstream.PriorityMode) upstream.PriorityMode {
	if acct != nil && acct.PriorityMode != upstream.PriorityUnset {
		return acct.PriorityMode
	}
	if globalDefault == upstream.PriorityUnset {
		return upstream.PriorityDisabled
	}
	return globalDefault
}

// ScoreStream computes the quality score for one stream. A non-OK status
// scores zero regardless of measurements.
func ScoreStream(stats upstream.StreamStats, acct *upstream.M3UAccount, globalDefault upstream.PriorityMode) Score {
	if stats.Status != upstream.StatusOK {
		return Score{}
	}
	var kbps float64
	if stats.FFmpegOutputBitrate != nil {
		kbps = *stats.FFmpegOutputBitrate
	}
	s := Score{
		Primary:   resolutionScore(stats.Width(), stats.Height()),
		Secondary: fpsScore(stats.SourceFPS) + bitrateScore(kbps) + codecScore(stats.VideoCodec),
	}
	if acct == nil {
		return s
	}
	bonus := float64(acct.Priority)
	switch EffectiveMode(acct, globalDefault) {
	case upstream.PriorityAllStreams:
		s.Primary += bonus
	case upstream.PrioritySameResolution:
		s.Secondary += bonus
	}
	return s
}

// resolutionScore buckets by vertical resolution. Buckets, not exact sizes:
// a 1912x1080 feed scores the same as 1920x1080.
func resolutionScore(w, h int) float64 {
	switch {
	case h >= 2160:
		return 400
	case h >= 1440:
		return 350
	case h >= 1080:
		return 300
	case h >= 720:
		return 200
	case h >= 480:
		return 100
	case h > 0:
		return 50
	default:
		return 0
	}
}

// ResolutionBucket exposes the bucket used by same_resolution comparisons.
func ResolutionBucket(stats upstream.StreamStats) float64 {
	return resolutionScore(stats.Width(), stats.Height())
}

func fpsScore(fps float64) float64 {
	switch {
	case fps >= 50:
		return 30
	case fps >= 30:
		return 20
	case fps >= 25:
		return 15
	case fps > 0:
		return 5
	default:
		return 0
	}
}

func bitrateScore(kbps float64) float64 {
	switch {
	case kbps >= 8000:
		return 50
	case kbps >= 4000:
		return 40
	case kbps >= 2000:
		return 30
	case kbps >= 1000:
		return 20
	case kbps > 0:
		return 10
	default:
		return 0
	}
}

func codecScore(codec string) float64 {
	switch codec {
	case "h265":
		return 30
	case "h264":
		return 20
	case "mpeg2video":
		return 5
	default:
		return 0
	}
}

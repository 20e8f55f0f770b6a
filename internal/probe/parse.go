package probe

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// parsed holds the fields extracted from one inspector diagnostic dump.
type parsed struct {
	Resolution string // "WxH", "" when absent
	FPS        float64
	VideoCodec string
	AudioCodec string
	Bitrate    *float64 // kbps; nil when no method matched
}

var (
	videoLineRe  = regexp.MustCompile(`Video:\s*([A-Za-z0-9_\-]+)(?:\s*\(([A-Za-z0-9_\-]+)\s*/[^)]*\))?`)
	audioLineRe  = regexp.MustCompile(`Audio:\s*([A-Za-z0-9_\-]+)(?:\s*\(([A-Za-z0-9_\-]+)\s*/[^)]*\))?`)
	resolutionRe = regexp.MustCompile(`\b(\d{2,5})x(\d{2,5})\b`)
	fpsRe        = regexp.MustCompile(`([\d.]+)\s*fps`)
	tbrRe        = regexp.MustCompile(`([\d.]+)\s*tbr`)

	statisticsRe   = regexp.MustCompile(`Statistics:\s*(\d+)\s*bytes read`)
	progressRateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
	bytesReadRe    = regexp.MustCompile(`(\d+)\s*bytes read`)
)

// codecBlocklist lists tokens the inspector emits for synthetic or unknown
// codecs. They are replaced by "N/A" unless a real codec name appears in the
// parenthetical immediately after (e.g. "wrapped_avframe (avc1 / ...)").
var codecBlocklist = map[string]bool{
	"wrapped_avframe": true,
	"none":            true,
	"unknown":         true,
	"null":            true,
	"":                true,
}

// parseDiagnostics extracts stream measurements from the inspector's
// diagnostic text. duration is the analysis window used for byte-count
// bitrate derivation.
func parseDiagnostics(text string, duration time.Duration) parsed {
	var p parsed

	for _, line := range strings.Split(text, "\n") {
		if p.VideoCodec == "" {
			if m := videoLineRe.FindStringSubmatch(line); m != nil {
				p.VideoCodec = sanitizeCodec(m[1], m[2])
				if rm := resolutionRe.FindStringSubmatch(line); rm != nil {
					p.Resolution = rm[1] + "x" + rm[2]
				}
				if fm := fpsRe.FindStringSubmatch(line); fm != nil {
					p.FPS, _ = strconv.ParseFloat(fm[1], 64)
				} else if tm := tbrRe.FindStringSubmatch(line); tm != nil {
					p.FPS, _ = strconv.ParseFloat(tm[1], 64)
				}
			}
		}
		if p.AudioCodec == "" {
			if m := audioLineRe.FindStringSubmatch(line); m != nil {
				p.AudioCodec = sanitizeCodec(m[1], m[2])
			}
		}
	}

	p.Bitrate = parseBitrate(text, duration)
	return p
}

// parseBitrate applies the three extraction methods in strict priority:
//  1. "Statistics: N bytes read" -> N*8/1000/duration
//  2. last "bitrate=X kbits/s" progress line -> X
//  3. trailing "N bytes read" without the Statistics prefix -> as method 1
func parseBitrate(text string, duration time.Duration) *float64 {
	secs := duration.Seconds()

	if m := statisticsRe.FindStringSubmatch(text); m != nil && secs > 0 {
		if n, err := strconv.ParseFloat(m[1], 64); err == nil {
			kbps := n * 8 / 1000 / secs
			return &kbps
		}
	}

	if ms := progressRateRe.FindAllStringSubmatch(text, -1); len(ms) > 0 {
		if x, err := strconv.ParseFloat(ms[len(ms)-1][1], 64); err == nil {
			return &x
		}
	}

	if ms := bytesReadRe.FindAllStringSubmatch(text, -1); len(ms) > 0 && secs > 0 {
		if n, err := strconv.ParseFloat(ms[len(ms)-1][1], 64); err == nil {
			kbps := n * 8 / 1000 / secs
			return &kbps
		}
	}
	return nil
}

// sanitizeCodec maps blocklisted codec tokens to "N/A", rescuing the real
// codec from the parenthetical tag when present, and normalises container
// tags to canonical codec names.
func sanitizeCodec(token, paren string) string {
	token = strings.TrimSpace(token)
	if !codecBlocklist[strings.ToLower(token)] {
		return normalizeCodec(token)
	}
	paren = strings.TrimSpace(paren)
	if paren != "" && !codecBlocklist[strings.ToLower(paren)] {
		return normalizeCodec(paren)
	}
	return "N/A"
}

func normalizeCodec(name string) string {
	switch strings.ToLower(name) {
	case "avc1":
		return "h264"
	case "hevc", "hvc1", "hev1":
		return "h265"
	default:
		return strings.ToLower(name)
	}
}

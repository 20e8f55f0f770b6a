// Package probe runs the external media inspector against stream URLs and
// turns its diagnostic output into StreamStats, plus the quality scoring
// used to rank a channel's streams.
//
// The executor never returns an error to callers: every failure mode ends
// as a fully-populated StreamStats with Status Timeout or Error. Callers
// index into the result without existence checks.
package probe

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbeimel/streamflow-sub002/internal/logx"
	"github.com/sbeimel/streamflow-sub002/internal/metrics"
	"github.com/sbeimel/streamflow-sub002/internal/upstream"
)

const (
	// DefaultStartupBuffer pads the hard wall-clock timeout to cover
	// inspector startup and connection establishment.
	DefaultStartupBuffer = 10 * time.Second

	DefaultUserAgent = "VLC/3.0.20 LibVLC/3.0.20"
)

// Params are the explicit options for one probe. Zero values fall back to
// the executor's configured defaults.
type Params struct {
	URL        string
	Duration   time.Duration // analysis window the inspector reads
	Timeout    time.Duration // inspector I/O timeout allowance
	UserAgent  string
	Retries    int           // total attempts; 0 = none (returns Error stats)
	RetryDelay time.Duration // fixed delay between attempts
}

// Runner abstracts the inspector subprocess so tests can substitute canned
// diagnostic output.
type Runner interface {
	// Run blocks until the inspector exits or the hard timeout fires.
	// It returns the diagnostic text, whether the hard timeout fired, and
	// the process error (nil on clean exit).
	Run(ctx context.Context, url string, duration time.Duration, userAgent string, hardTimeout time.Duration) (string, bool, error)
}

// Executor drives the media inspector.
type Executor struct {
	inspector     string // inspector binary path
	startupBuffer time.Duration
	runner        Runner
	log           zerolog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithRunner substitutes the subprocess runner (tests).
func WithRunner(r Runner) Option {
	return func(e *Executor) { e.runner = r }
}

// WithStartupBuffer overrides the hard-timeout padding.
func WithStartupBuffer(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.startupBuffer = d
		}
	}
}

// NewExecutor builds an Executor invoking the given inspector binary.
func NewExecutor(inspectorPath string, opts ...Option) *Executor {
	e := &Executor{
		inspector:     inspectorPath,
		startupBuffer: DefaultStartupBuffer,
		log:           logx.WithComponent("probe"),
	}
	for _, o := range opts {
		o(e)
	}
	if e.runner == nil {
		e.runner = &inspectorRunner{binary: inspectorPath}
	}
	return e
}

// Probe measures one stream. The returned stats always carry Status and
// ProbedAt; numeric fields are zero/nil when not measured.
func (e *Executor) Probe(ctx context.Context, p Params) upstream.StreamStats {
	if p.UserAgent == "" {
		p.UserAgent = DefaultUserAgent
	}
	if p.Duration <= 0 {
		p.Duration = 10 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}

	stats := emptyStats()
	for attempt := 1; attempt <= p.Retries; attempt++ {
		start := time.Now()
		stats = e.probeOnce(ctx, p)
		metrics.RecordProbe(string(stats.Status), time.Since(start).Seconds())
		if stats.Status == upstream.StatusOK || ctx.Err() != nil {
			break
		}
		e.log.Debug().Str("url", p.URL).Int("attempt", attempt).
			Str("status", string(stats.Status)).Msg("probe attempt failed")
		if attempt < p.Retries && p.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return stats
			case <-time.After(p.RetryDelay):
			}
		}
	}
	return stats
}

func (e *Executor) probeOnce(ctx context.Context, p Params) upstream.StreamStats {
	hard := p.Duration + p.Timeout + e.startupBuffer
	out, timedOut, err := e.runner.Run(ctx, p.URL, p.Duration, p.UserAgent, hard)

	stats := emptyStats()
	if timedOut {
		// Partial diagnostics may still carry measurements worth keeping.
		applyParsed(&stats, parseDiagnostics(out, p.Duration))
		stats.Status = upstream.StatusTimeout
		return stats
	}

	applyParsed(&stats, parseDiagnostics(out, p.Duration))

	ok := stats.Width() > 0 || stats.SourceFPS > 0 ||
		(stats.FFmpegOutputBitrate != nil && *stats.FFmpegOutputBitrate > 0)
	if ok {
		stats.Status = upstream.StatusOK
	} else {
		if err != nil {
			e.log.Debug().Str("url", p.URL).Err(err).Msg("inspector failed with no parseable output")
		}
		stats.Status = upstream.StatusError
	}
	return stats
}

// emptyStats returns the fully-populated baseline every probe result builds
// on, so failed probes still expose every field.
func emptyStats() upstream.StreamStats {
	return upstream.StreamStats{
		Resolution: "",
		VideoCodec: "N/A",
		AudioCodec: "N/A",
		Status:     upstream.StatusError,
		ProbedAt:   time.Now().UTC(),
	}
}

func applyParsed(stats *upstream.StreamStats, p parsed) {
	if p.Resolution != "" {
		stats.Resolution = p.Resolution
	}
	if p.FPS > 0 {
		stats.SourceFPS = p.FPS
	}
	if p.VideoCodec != "" {
		stats.VideoCodec = p.VideoCodec
	}
	if p.AudioCodec != "" {
		stats.AudioCodec = p.AudioCodec
	}
	stats.FFmpegOutputBitrate = p.Bitrate
}

// inspectorRunner invokes the real inspector binary. The diagnostic text is
// read from stderr; stdout is discarded (null-output mode writes no payload).
type inspectorRunner struct {
	binary string
}

func (r *inspectorRunner) Run(parent context.Context, url string, duration time.Duration, userAgent string, hardTimeout time.Duration) (string, bool, error) {
	ctx, cancel := context.WithTimeout(parent, hardTimeout)
	defer cancel()

	secs := strconv.Itoa(int(duration.Seconds()))
	cmd := exec.CommandContext(ctx, r.binary,
		"-hide_banner",
		"-loglevel", "info",
		"-user_agent", userAgent,
		"-i", url,
		"-t", secs,
		"-f", "null", "-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	return stderr.String(), timedOut, err
}

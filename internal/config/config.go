// Package config loads and validates the scheduler configuration.
//
// Sources, in increasing precedence: built-in defaults, a JSON config file,
// STREAMFLOW_* environment variables. Live updates go through Store.Update
// after Validate; an invalid update is rejected and the previous config
// stays active.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// PipelineMode selects the probe duration/timeout tuning, or disables the
// scheduler loops entirely.
type PipelineMode string

const (
	ModeDisabled    PipelineMode = "disabled"
	ModePipeline1   PipelineMode = "pipeline_1"
	ModePipeline1_5 PipelineMode = "pipeline_1_5"
	ModePipeline2   PipelineMode = "pipeline_2"
	ModePipeline2_5 PipelineMode = "pipeline_2_5"
	ModePipeline3   PipelineMode = "pipeline_3"
)

// ProbeTuning returns the analysis duration and timeout for the mode.
// The mapping is fixed so checks are reproducible across restarts:
//
//	pipeline_1   10s / 10s    pipeline_2_5  25s / 20s
//	pipeline_1_5 15s / 15s    pipeline_3    30s / 20s
//	pipeline_2   20s / 15s    disabled      10s / 10s (loops off)
func (m PipelineMode) ProbeTuning() (duration, timeout time.Duration) {
	switch m {
	case ModePipeline1_5:
		return 15 * time.Second, 15 * time.Second
	case ModePipeline2:
		return 20 * time.Second, 15 * time.Second
	case ModePipeline2_5:
		return 25 * time.Second, 20 * time.Second
	case ModePipeline3:
		return 30 * time.Second, 20 * time.Second
	default:
		return 10 * time.Second, 10 * time.Second
	}
}

func (m PipelineMode) valid() bool {
	switch m {
	case ModeDisabled, ModePipeline1, ModePipeline1_5, ModePipeline2, ModePipeline2_5, ModePipeline3:
		return true
	}
	return false
}

// ConcurrentStreams bounds simultaneous probes.
type ConcurrentStreams struct {
	Enabled      bool    `json:"enabled"`
	GlobalLimit  int     `json:"global_limit"`
	StaggerDelay float64 `json:"stagger_delay"` // seconds between submissions
}

// DeadStreamHandling is the dead-stream predicate plus removal switch.
type DeadStreamHandling struct {
	Enabled             bool    `json:"enabled"`
	RemoveFromChannel   bool    `json:"remove_from_channel"`
	MinResolutionWidth  int     `json:"min_resolution_width"`
	MinResolutionHeight int     `json:"min_resolution_height"`
	MinBitrateKbps      float64 `json:"min_bitrate_kbps"`
	MinScore            float64 `json:"min_score"`
}

// GlobalCheckSchedule is the daily cron-like sweep trigger.
type GlobalCheckSchedule struct {
	Enabled bool `json:"enabled"`
	Hour    int  `json:"hour"`
	Minute  int  `json:"minute"`
}

// QueueSettings bound and drive the check queue.
type QueueSettings struct {
	MaxSize           int  `json:"max_size"`
	CheckOnUpdate     bool `json:"check_on_update"`
	MaxChannelsPerRun int  `json:"max_channels_per_run"`
}

// StreamAnalysis holds probe subprocess tuning.
type StreamAnalysis struct {
	StreamStartupBuffer int     `json:"stream_startup_buffer"` // seconds
	Retries             int     `json:"retries"`
	RetryDelay          float64 `json:"retry_delay"` // seconds
	UserAgent           string  `json:"user_agent,omitempty"`
}

// ChannelReenable controls the profile-aware re-enablement pass.
type ChannelReenable struct {
	Enabled   bool `json:"enabled"`
	ProfileID int  `json:"profile_id"`
}

// Upstream is the orchestrator connection.
type Upstream struct {
	BaseURL           string  `json:"base_url"`
	Username          string  `json:"username"`
	Password          string  `json:"password"`
	TimeoutSeconds    float64 `json:"timeout_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// Config is the full scheduler configuration.
type Config struct {
	Upstream Upstream `json:"upstream"`

	InspectorPath string       `json:"inspector_path"`
	PipelineMode  PipelineMode `json:"pipeline_mode"`

	ConcurrentStreams   ConcurrentStreams   `json:"concurrent_streams"`
	DeadStreamHandling  DeadStreamHandling  `json:"dead_stream_handling"`
	GlobalCheckSchedule GlobalCheckSchedule `json:"global_check_schedule"`
	Queue               QueueSettings       `json:"queue"`
	StreamAnalysis      StreamAnalysis      `json:"stream_analysis"`
	ChannelReenable     ChannelReenable     `json:"channel_reenable"`

	// DefaultPriorityMode applies to M3U accounts without an explicit
	// priority_mode. "disabled" | "same_resolution" | "all_streams".
	DefaultPriorityMode string `json:"default_priority_mode"`

	ValidateExistingStreams bool `json:"validate_existing_streams"`
	CaseSensitiveMatching   bool `json:"case_sensitive_matching"`

	WorkerCount          int     `json:"worker_count"`
	ShutdownGraceSeconds float64 `json:"shutdown_grace_seconds"`

	TrackerPath     string `json:"tracker_path"`
	DeadStreamsPath string `json:"dead_streams_path"`
	ChangelogPath   string `json:"changelog_path"`
	MetricsAddr     string `json:"metrics_addr"`

	// ChangelogRetentionDays bounds the changelog; entries older than this
	// are pruned after each global sweep. <= 0 keeps everything.
	ChangelogRetentionDays int `json:"changelog_retention_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		InspectorPath: "ffmpeg",
		PipelineMode:  ModePipeline1,
		ConcurrentStreams: ConcurrentStreams{
			Enabled:      true,
			GlobalLimit:  10,
			StaggerDelay: 1.0,
		},
		DeadStreamHandling: DeadStreamHandling{
			Enabled:           true,
			RemoveFromChannel: true,
		},
		GlobalCheckSchedule: GlobalCheckSchedule{Enabled: true, Hour: 3, Minute: 0},
		Queue: QueueSettings{
			MaxSize:           500,
			CheckOnUpdate:     true,
			MaxChannelsPerRun: 100,
		},
		StreamAnalysis: StreamAnalysis{
			StreamStartupBuffer: 10,
			Retries:             1,
			RetryDelay:          2.0,
		},
		DefaultPriorityMode:    "disabled",
		CaseSensitiveMatching:  true,
		WorkerCount:            2,
		ShutdownGraceSeconds:   60,
		TrackerPath:            "./state/tracker.json",
		DeadStreamsPath:        "./state/deadstreams.json",
		ChangelogPath:          "./state/changelog.db",
		MetricsAddr:            ":9155",
		ChangelogRetentionDays: 30,
	}
}

// Load builds a Config from defaults, an optional JSON file, and env
// overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config open: %w", err)
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Upstream.BaseURL = getEnv("STREAMFLOW_UPSTREAM_URL", c.Upstream.BaseURL)
	c.Upstream.Username = getEnv("STREAMFLOW_UPSTREAM_USER", c.Upstream.Username)
	c.Upstream.Password = getEnv("STREAMFLOW_UPSTREAM_PASS", c.Upstream.Password)
	c.InspectorPath = getEnv("STREAMFLOW_INSPECTOR", c.InspectorPath)
	if v := os.Getenv("STREAMFLOW_PIPELINE_MODE"); v != "" {
		c.PipelineMode = PipelineMode(strings.ToLower(strings.TrimSpace(v)))
	}
	c.ConcurrentStreams.GlobalLimit = getEnvInt("STREAMFLOW_GLOBAL_LIMIT", c.ConcurrentStreams.GlobalLimit)
	c.WorkerCount = getEnvInt("STREAMFLOW_WORKERS", c.WorkerCount)
	c.TrackerPath = getEnv("STREAMFLOW_TRACKER_PATH", c.TrackerPath)
	c.DeadStreamsPath = getEnv("STREAMFLOW_DEAD_STREAMS_PATH", c.DeadStreamsPath)
	c.ChangelogPath = getEnv("STREAMFLOW_CHANGELOG_PATH", c.ChangelogPath)
	c.MetricsAddr = getEnv("STREAMFLOW_METRICS_ADDR", c.MetricsAddr)
}

// Validate rejects out-of-range values. It never mutates the receiver, so a
// rejected update leaves the active config untouched.
func (c *Config) Validate() error {
	if !c.PipelineMode.valid() {
		return fmt.Errorf("config: unknown pipeline_mode %q", c.PipelineMode)
	}
	if c.GlobalCheckSchedule.Hour < 0 || c.GlobalCheckSchedule.Hour > 23 {
		return fmt.Errorf("config: schedule hour %d out of range", c.GlobalCheckSchedule.Hour)
	}
	if c.GlobalCheckSchedule.Minute < 0 || c.GlobalCheckSchedule.Minute > 59 {
		return fmt.Errorf("config: schedule minute %d out of range", c.GlobalCheckSchedule.Minute)
	}
	if c.ConcurrentStreams.GlobalLimit < 1 {
		return fmt.Errorf("config: concurrent_streams.global_limit must be >= 1")
	}
	if c.ConcurrentStreams.StaggerDelay < 0 {
		return fmt.Errorf("config: concurrent_streams.stagger_delay must be >= 0")
	}
	switch c.DefaultPriorityMode {
	case "disabled", "same_resolution", "all_streams":
	default:
		return fmt.Errorf("config: unknown default_priority_mode %q", c.DefaultPriorityMode)
	}
	if c.StreamAnalysis.Retries < 0 {
		return fmt.Errorf("config: stream_analysis.retries must be >= 0")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: worker_count must be >= 1")
	}
	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("config: queue.max_size must be >= 0")
	}
	return nil
}

// StaggerDelay returns the configured stagger as a duration.
func (c *Config) StaggerDelay() time.Duration {
	if !c.ConcurrentStreams.Enabled {
		return 0
	}
	return time.Duration(c.ConcurrentStreams.StaggerDelay * float64(time.Second))
}

// RetryDelay returns the probe retry delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.StreamAnalysis.RetryDelay * float64(time.Second))
}

// StartupBuffer returns the probe startup padding as a duration.
func (c *Config) StartupBuffer() time.Duration {
	if c.StreamAnalysis.StreamStartupBuffer <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.StreamAnalysis.StreamStartupBuffer) * time.Second
}

// ShutdownGrace returns the drain window granted to in-flight pipelines.
func (c *Config) ShutdownGrace() time.Duration {
	if c.ShutdownGraceSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ShutdownGraceSeconds * float64(time.Second))
}

// ChangelogRetention returns the changelog retention window; 0 disables
// pruning.
func (c *Config) ChangelogRetention() time.Duration {
	if c.ChangelogRetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.ChangelogRetentionDays) * 24 * time.Hour
}

// UpstreamTimeout returns the HTTP client timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	if c.Upstream.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Upstream.TimeoutSeconds * float64(time.Second))
}

// Store publishes the active config to all subsystems. Readers get a
// consistent *Config snapshot; writers swap whole validated configs.
type Store struct {
	v atomic.Pointer[Config]
}

// NewStore seeds a Store with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.v.Store(cfg)
	return s
}

// Get returns the active config snapshot.
func (s *Store) Get() *Config { return s.v.Load() }

// Update validates and atomically swaps the active config. On error the
// previous config remains active.
func (s *Store) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil update")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.v.Store(cfg)
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// LoadEnvFile reads shell-export-style "KEY=VALUE" lines into the process
// environment. Missing files are silently skipped; existing variables win.
func LoadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || os.Getenv(k) != "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

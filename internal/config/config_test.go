package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"pipeline mode", func(c *Config) { c.PipelineMode = "pipeline_9" }},
		{"schedule hour", func(c *Config) { c.GlobalCheckSchedule.Hour = 24 }},
		{"schedule minute", func(c *Config) { c.GlobalCheckSchedule.Minute = -1 }},
		{"global limit", func(c *Config) { c.ConcurrentStreams.GlobalLimit = 0 }},
		{"stagger", func(c *Config) { c.ConcurrentStreams.StaggerDelay = -1 }},
		{"priority mode", func(c *Config) { c.DefaultPriorityMode = "highest" }},
		{"retries", func(c *Config) { c.StreamAnalysis.Retries = -1 }},
		{"workers", func(c *Config) { c.WorkerCount = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestProbeTuningPerMode(t *testing.T) {
	d, to := ModePipeline1.ProbeTuning()
	assert.Equal(t, 10*time.Second, d)
	assert.Equal(t, 10*time.Second, to)

	d, to = ModePipeline2.ProbeTuning()
	assert.Equal(t, 20*time.Second, d)
	assert.Equal(t, 15*time.Second, to)

	d, to = ModePipeline3.ProbeTuning()
	assert.Equal(t, 30*time.Second, d)
	assert.Equal(t, 20*time.Second, to)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"pipeline_mode": "pipeline_2",
		"worker_count": 4,
		"upstream": {"base_url": "http://file.example"}
	}`), 0o644))
	t.Setenv("STREAMFLOW_UPSTREAM_URL", "http://env.example")
	t.Setenv("STREAMFLOW_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModePipeline2, cfg.PipelineMode)
	assert.Equal(t, "http://env.example", cfg.Upstream.BaseURL, "env beats file")
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 10, cfg.ConcurrentStreams.GlobalLimit, "defaults survive partial files")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"no_such_key": 1}`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestStoreRejectsInvalidUpdate(t *testing.T) {
	s := NewStore(Default())

	bad := Default()
	bad.PipelineMode = "bogus"
	assert.Error(t, s.Update(bad))
	assert.Equal(t, ModePipeline1, s.Get().PipelineMode, "previous config stays active")

	good := Default()
	good.PipelineMode = ModePipeline3
	require.NoError(t, s.Update(good))
	assert.Equal(t, ModePipeline3, s.Get().PipelineMode)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	cfg.ConcurrentStreams.StaggerDelay = 1.5
	assert.Equal(t, 1500*time.Millisecond, cfg.StaggerDelay())

	cfg.ConcurrentStreams.Enabled = false
	assert.Zero(t, cfg.StaggerDelay())

	cfg.StreamAnalysis.RetryDelay = 0.25
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay())

	assert.Equal(t, 30*24*time.Hour, cfg.ChangelogRetention())
	cfg.ChangelogRetentionDays = 0
	assert.Zero(t, cfg.ChangelogRetention(), "retention off keeps everything")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"# comment\nexport STREAMFLOW_TEST_A=hello\nSTREAMFLOW_TEST_B=world\nbroken line\n"), 0o644))
	t.Setenv("STREAMFLOW_TEST_A", "")
	t.Setenv("STREAMFLOW_TEST_B", "already set")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "hello", os.Getenv("STREAMFLOW_TEST_A"))
	assert.Equal(t, "already set", os.Getenv("STREAMFLOW_TEST_B"), "existing values win")

	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing")), "missing file is fine")
}

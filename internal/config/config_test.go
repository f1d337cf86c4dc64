package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/clintercept/fixtures"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.True(t, config.CallLogging.Enabled)
		assert.Equal(t, "calls.log", config.CallLogging.File)
		assert.True(t, config.Timing.Device)
		assert.True(t, config.Timing.Synchronous)
		assert.Equal(t, "/tmp/clintercept", config.ProgramCache.Directory)
		assert.True(t, config.ProgramCache.Inject)
		assert.Equal(t, 30*time.Second, config.ProgramCache.MemoTTL)
		assert.Equal(t, []string{"matmul_f32"}, config.Overrides.KernelNames)
		assert.True(t, config.Metrics.Enabled)
	})

	t.Run("unset keys keep defaults", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)

		assert.Equal(t, 4096, config.Timing.MaxSamples)
		assert.Equal(t, 64, config.ProgramCache.MemoSize)
		assert.Equal(t, "clintercept", config.Metrics.Namespace)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	config := Default()
	assert.False(t, config.Instrumented(), "the default configuration is a pass-through")
	assert.Equal(t, "info", config.Logger.Verbosity)

	config.Timing.CPU = true
	assert.True(t, config.Instrumented())

	abortOnly := Default()
	abortOnly.Errors.Abort = true
	assert.True(t, abortOnly.Instrumented(), "abort-on-error does not need error checking")
}

func TestConfigTemplate(t *testing.T) {
	config := Default()
	require.NoError(t, yaml.Unmarshal(fixtures.ConfigTemplate, config))
	assert.True(t, config.LeakChecking.Enabled)
	assert.Equal(t, 10*time.Minute, config.ProgramCache.MemoTTL)
	assert.Equal(t, "./clintercept_cache", config.ProgramCache.Directory)
}

func TestFromEnv(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv(EnvConfig, "")
		config, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, Default(), config)
	})

	t.Run("set", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "clintercept.yaml")
		require.NoError(t, os.WriteFile(path, []byte("errors:\n  check: true\n"), 0644))
		t.Setenv(EnvConfig, path)
		config, err := FromEnv()
		require.NoError(t, err)
		assert.True(t, config.Errors.Check)
	})
}

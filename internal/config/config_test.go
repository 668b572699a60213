package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "trame-pool", cfg.PoolID)
	assert.Equal(t, "trame/trame-paraview:latest", cfg.Image)
	assert.Equal(t, 8080, cfg.ContainerPort)
	assert.Equal(t, 8000, cfg.PortMin)
	assert.Equal(t, 9000, cfg.PortMax)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.NodeTimeout)
	assert.Equal(t, time.Minute, cfg.ReadyTimeout)
	assert.Equal(t, []string{"azure"}, cfg.CatalogSources)
	assert.True(t, cfg.ProxyStrict)
	assert.Empty(t, cfg.APIKeys)
	assert.Equal(t, ":8000", cfg.HTTPAddr())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
pool-id: from-file
image: file/image:1
port-min: 10000
port-max: 10100
`), 0o600))

	t.Setenv("GATEWAY_IMAGE", "env/image:2")
	t.Setenv("GATEWAY_PORT_MIN", "10010")
	t.Setenv("GATEWAY_API_KEYS", "k1, k2")
	t.Setenv("GATEWAY_NODE_TIMEOUT", "90s")

	cfg, err := Load(newFlags(t, "--config", file, "--port-min", "10020", "--catalog-sources", "azure,s3"))
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.PoolID)
	assert.Equal(t, "env/image:2", cfg.Image)
	assert.Equal(t, 10020, cfg.PortMin)
	assert.Equal(t, 10100, cfg.PortMax)
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
	assert.Equal(t, 90*time.Second, cfg.NodeTimeout)
	assert.Equal(t, []string{"azure", "s3"}, cfg.CatalogSources)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load(newFlags(t,
			"--batch-endpoint", "https://acct.eastus.batch.azure.com",
			"--blob-storage-endpoint", "https://acct.blob.core.windows.net",
			"--container-registry", "acct.azurecr.io",
		))
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"missing batch endpoint": {func(c *Config) { c.BatchEndpoint = "" }, "batch-endpoint is required"},
		"missing registry":       {func(c *Config) { c.ContainerRegistry = "" }, "container-registry is required"},
		"azure without blob":     {func(c *Config) { c.BlobStorageEndpoint = "" }, "blob-storage-endpoint"},
		"inverted range":         {func(c *Config) { c.PortMin, c.PortMax = 9000, 8000 }, "invalid port range"},
		"range too wide":         {func(c *Config) { c.PortMax = 70000 }, "invalid port range"},
		"zero poll":              {func(c *Config) { c.PollInterval = 0 }, "poll-interval must be positive"},
		"bad log format":         {func(c *Config) { c.LogFormat = "xml" }, "log-format"},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("blob endpoint optional without azure source", func(t *testing.T) {
		cfg := valid()
		cfg.BlobStorageEndpoint = ""
		cfg.CatalogSources = []string{"s3"}
		assert.NoError(t, cfg.Validate())
	})
}

func TestSanitizeListenAddr(t *testing.T) {
	tests := map[string]string{
		":50051":              ":50051",
		"  :50060 :: note   ": ":50060",
		`"0.0.0.0:9000"`:      "0.0.0.0:9000",
		"":                    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeListenAddr(in), in)
	}
}

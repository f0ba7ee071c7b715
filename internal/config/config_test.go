package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"), Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Listen)
	assert.Equal(t, "none", cfg.Loki.AuthType)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "1m", cfg.Cache.FingerprintGranularity)
}

func TestCacheFingerprintGranularityEnvOverride(t *testing.T) {
	t.Setenv("LOKI_MCP_CACHE_FINGERPRINT_GRANULARITY", "5m")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"), Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "5m", cfg.Cache.FingerprintGranularity)
}

func TestValidateRejectsInvalidFingerprintGranularity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[cache]
fingerprint_granularity = "not-a-duration"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	_, err := Load(path, Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint_granularity")
}

func TestLoadParsesTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[server]
listen = "127.0.0.1:9090"
timezone = "UTC"
log_level = "debug"

[loki]
url = "http://loki:3100"
auth_type = "bearer"
token = "secret"
timeout = "10s"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Listen)
	assert.Equal(t, "UTC", cfg.Server.Timezone)
	assert.Equal(t, "bearer", cfg.Loki.AuthType)
	assert.Equal(t, "secret", cfg.Loki.Token)
}

func TestLoadRejectsBearerAuthWithoutToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := "[loki]\nauth_type = \"bearer\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	_, err := Load(path, Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loki.token")
}

func TestEnvOverridesFileAndFlagsOverrideEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[loki]\nurl = \"http://from-file:3100\"\n"), 0o600))
	t.Setenv("LOKI_MCP_LOKI_URL", "http://from-env:3100")

	flagURL := "http://from-flag:3100"
	cfg, err := Load(path, Overrides{LokiURL: &flagURL})
	require.NoError(t, err)
	assert.Equal(t, "http://from-flag:3100", cfg.Loki.URL)

	cfg, err = Load(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:3100", cfg.Loki.URL)
}

func TestEnvAcceptsNestedDoubleUnderscoreSpelling(t *testing.T) {
	t.Setenv("LOKI_MCP_LOKI__TENANT_ID", "tenant-a")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"), Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", cfg.Loki.TenantID)
}

func TestLoadRejectsInvalidTimezone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := "[server]\ntimezone = \"Not/AZone\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	_, err := Load(path, Overrides{})
	require.Error(t, err)
}

func TestLoadParsesGuardrailSkipToolsAndRateLimitOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[guardrails]
skip_tools = ["loki_query_stats"]

[rate_limit.overrides.loki_tail]
rps = 1
burst = 2
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, []string{"loki_query_stats"}, cfg.Guardrails.SkipTools)
	require.Contains(t, cfg.RateLimit.Overrides, "loki_tail")
	assert.Equal(t, 1.0, cfg.RateLimit.Overrides["loki_tail"].RPS)
	assert.Equal(t, 2, cfg.RateLimit.Overrides["loki_tail"].Burst)

	guardrailCfg, err := cfg.GuardrailConfig(nil)
	require.NoError(t, err)
	assert.True(t, guardrailCfg.SkipList["loki_query_stats"])

	overrides := cfg.RateLimitOverrides()
	require.Contains(t, overrides, "loki_tail")
	assert.Equal(t, 1.0, overrides["loki_tail"].RPS)
}

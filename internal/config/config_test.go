package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name     string
		flag     string
		envValue string
		want     string
	}{
		{"flag takes precedence", "/path/from/flag", "/path/from/env", "/path/from/flag"},
		{"env when no flag", "", "/path/from/env", "/path/from/env"},
		{"empty when neither", "", "", ""},
		{"whitespace flag", "  ", "/path/from/env", "/path/from/env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("EXAGATE_CONFIG", tt.envValue)
			got := ResolveConfigPath(tt.flag)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:3128", cfg.Listen.ProxyV4Addr)
	assert.Equal(t, 1024, cfg.Listen.MaxClients)
	assert.Equal(t, 2, cfg.Classifier.Low)
	assert.Equal(t, 8, cfg.Classifier.High)
	assert.Equal(t, "8.8.8.8:53", cfg.DNS.Upstream)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "1s", cfg.Supervisor.AlarmInterval)
}

func TestLoadFromFile(t *testing.T) {
	content := `
listen:
  proxy_v4_addr: "127.0.0.1:8080"
  max_clients: 50

classifier:
  program: "/usr/local/bin/redirector"
  low: 1
  high: 4

dns:
  upstream: "1.1.1.1:53"
  cache_ttl: "30s"

logging:
  level: "debug"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "exagate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen.ProxyV4Addr)
	assert.Equal(t, 50, cfg.Listen.MaxClients)
	assert.Equal(t, "/usr/local/bin/redirector", cfg.Classifier.Program)
	assert.Equal(t, 1, cfg.Classifier.Low)
	assert.Equal(t, 4, cfg.Classifier.High)
	assert.Equal(t, "1.1.1.1:53", cfg.DNS.Upstream)
	assert.Equal(t, "30s", cfg.DNS.CacheTTL)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("EXAGATE_DNS_UPSTREAM", "9.9.9.9:53")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9:53", cfg.DNS.Upstream)
}

func TestNormalizeConfigRejectsNoListeners(t *testing.T) {
	cfg := &Config{
		Listen:     ListenConfig{MaxClients: 10},
		Classifier: ClassifierConfig{High: 1},
		DNS:        DNSConfig{Upstream: "8.8.8.8:53"},
	}
	err := normalizeConfig(cfg)
	require.Error(t, err)
}

func TestNormalizeConfigRejectsHighBelowLow(t *testing.T) {
	cfg := &Config{
		Listen:     ListenConfig{ProxyV4Addr: "0.0.0.0:3128", MaxClients: 10},
		Classifier: ClassifierConfig{Low: 5, High: 2},
		DNS:        DNSConfig{Upstream: "8.8.8.8:53"},
	}
	err := normalizeConfig(cfg)
	require.Error(t, err)
}

func TestNormalizeConfigFillsLoggingDefaults(t *testing.T) {
	cfg := &Config{
		Listen:     ListenConfig{ProxyV4Addr: "0.0.0.0:3128", MaxClients: 10},
		Classifier: ClassifierConfig{High: 1},
		DNS:        DNSConfig{Upstream: "8.8.8.8:53"},
	}
	require.NoError(t, normalizeConfig(cfg))
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.StructuredFormat)
	assert.NotNil(t, cfg.Logging.ExtraFields)
	assert.Equal(t, "1s", cfg.Supervisor.AlarmInterval)
}

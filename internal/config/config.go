// Package config provides configuration loading and validation for exagate.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/exagate/main.go)
//  2. Environment variables (EXAGATE_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("EXAGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.proxy_v4_addr", "0.0.0.0:3128")
	v.SetDefault("listen.proxy_v6_addr", "")
	v.SetDefault("listen.admin_addr", "")
	v.SetDefault("listen.backlog", 128)
	v.SetDefault("listen.max_clients", 1024)

	v.SetDefault("classifier.program", "")
	v.SetDefault("classifier.args", []string{})
	v.SetDefault("classifier.low", 2)
	v.SetDefault("classifier.high", 8)

	v.SetDefault("dns.upstream", "8.8.8.8:53")
	v.SetDefault("dns.udp_timeout", "2s")
	v.SetDefault("dns.tcp_timeout", "5s")
	v.SetDefault("dns.query_timeout", "4s")
	v.SetDefault("dns.cache_ttl", "5m")
	v.SetDefault("dns.sweep_per_tick", 64)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", true)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	v.SetDefault("supervisor.alarm_interval", "1s")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadListenConfig(v, cfg)
	loadClassifierConfig(v, cfg)
	loadDNSConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadSupervisorConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadListenConfig(v *viper.Viper, cfg *Config) {
	cfg.Listen.ProxyV4Addr = v.GetString("listen.proxy_v4_addr")
	cfg.Listen.ProxyV6Addr = v.GetString("listen.proxy_v6_addr")
	cfg.Listen.AdminAddr = v.GetString("listen.admin_addr")
	cfg.Listen.Backlog = v.GetInt("listen.backlog")
	cfg.Listen.MaxClients = v.GetInt("listen.max_clients")
}

func loadClassifierConfig(v *viper.Viper, cfg *Config) {
	cfg.Classifier.Program = v.GetString("classifier.program")
	cfg.Classifier.Args = v.GetStringSlice("classifier.args")
	cfg.Classifier.Low = v.GetInt("classifier.low")
	cfg.Classifier.High = v.GetInt("classifier.high")
}

func loadDNSConfig(v *viper.Viper, cfg *Config) {
	cfg.DNS.Upstream = v.GetString("dns.upstream")
	cfg.DNS.UDPTimeout = v.GetString("dns.udp_timeout")
	cfg.DNS.TCPTimeout = v.GetString("dns.tcp_timeout")
	cfg.DNS.QueryTimeout = v.GetString("dns.query_timeout")
	cfg.DNS.CacheTTL = v.GetString("dns.cache_ttl")
	cfg.DNS.SweepPerTick = v.GetInt("dns.sweep_per_tick")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadSupervisorConfig(v *viper.Viper, cfg *Config) {
	cfg.Supervisor.AlarmInterval = v.GetString("supervisor.alarm_interval")
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Listen.ProxyV4Addr == "" && cfg.Listen.ProxyV6Addr == "" {
		return errors.New("listen: at least one of proxy_v4_addr/proxy_v6_addr must be set")
	}
	if cfg.Listen.MaxClients <= 0 {
		return errors.New("listen.max_clients must be > 0")
	}
	if cfg.Listen.Backlog <= 0 {
		cfg.Listen.Backlog = 128
	}

	if cfg.Classifier.Low < 0 {
		return errors.New("classifier.low must be >= 0")
	}
	if cfg.Classifier.High < cfg.Classifier.Low {
		return errors.New("classifier.high must be >= classifier.low")
	}

	if cfg.DNS.Upstream == "" {
		return errors.New("dns.upstream must be set")
	}
	if cfg.DNS.SweepPerTick <= 0 {
		cfg.DNS.SweepPerTick = 64
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.Supervisor.AlarmInterval == "" {
		cfg.Supervisor.AlarmInterval = "1s"
	}

	return nil
}

// Package config provides configuration loading for exagate using Viper.
// Configuration is loaded from YAML files with automatic environment variable
// binding.
//
// Environment variables use the EXAGATE_ prefix and underscore-separated
// keys:
//   - EXAGATE_LISTEN_PROXY_V4_ADDR -> listen.proxy_v4_addr
//   - EXAGATE_CLASSIFIER_PROGRAM -> classifier.program
//   - EXAGATE_DNS_UPSTREAM -> dns.upstream
package config

import (
	"os"
	"strings"
)

// ListenConfig contains the listening-socket settings spec.md §3's
// "Listener set" describes: proxy (IPv4/IPv6) and an optional admin
// endpoint, plus the shared admission ceiling.
type ListenConfig struct {
	ProxyV4Addr string `yaml:"proxy_v4_addr" mapstructure:"proxy_v4_addr"`
	ProxyV6Addr string `yaml:"proxy_v6_addr" mapstructure:"proxy_v6_addr"`
	AdminAddr   string `yaml:"admin_addr"    mapstructure:"admin_addr"` // empty disables the admin listener
	Backlog     int    `yaml:"backlog"       mapstructure:"backlog"`
	MaxClients  int    `yaml:"max_clients"   mapstructure:"max_clients"`
}

// ClassifierConfig contains the redirector worker pool settings spec.md §4.4
// names: the external program, its arguments, and the elasticity bounds.
type ClassifierConfig struct {
	Program string   `yaml:"program" mapstructure:"program"`
	Args    []string `yaml:"args"    mapstructure:"args"`
	Low     int      `yaml:"low"     mapstructure:"low"`
	High    int      `yaml:"high"    mapstructure:"high"`
}

// DNSConfig contains the resolver's upstream and timing settings, per
// spec.md §4.5.
type DNSConfig struct {
	Upstream      string `yaml:"upstream"       mapstructure:"upstream"`
	UDPTimeout    string `yaml:"udp_timeout"    mapstructure:"udp_timeout"`
	TCPTimeout    string `yaml:"tcp_timeout"    mapstructure:"tcp_timeout"`
	QueryTimeout  string `yaml:"query_timeout"  mapstructure:"query_timeout"`
	CacheTTL      string `yaml:"cache_ttl"      mapstructure:"cache_ttl"`
	SweepPerTick  int    `yaml:"sweep_per_tick" mapstructure:"sweep_per_tick"`
}

// LoggingConfig contains logging settings, adapted from the teacher's
// identically-named struct with the zones/filtering-adjacent fields
// dropped.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// SupervisorConfig contains the maintenance-tick interval standing in for
// the original's SIGALRM cadence.
type SupervisorConfig struct {
	AlarmInterval string `yaml:"alarm_interval" mapstructure:"alarm_interval"`
}

// Config is the root configuration structure.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"     mapstructure:"listen"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	DNS        DNSConfig        `yaml:"dns"        mapstructure:"dns"`
	Logging    LoggingConfig    `yaml:"logging"    mapstructure:"logging"`
	Supervisor SupervisorConfig `yaml:"supervisor" mapstructure:"supervisor"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("EXAGATE_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable
// overrides.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (EXAGATE_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}

// Package config loads the multiplexer's configuration from a YAML/JSON
// file via Viper, with CLI flags (bound by cmd/loramux) taking
// precedence over file values, following the Cobra+Viper convention the
// rest of the retrieved LoRa-gateway pack uses for its own configuration.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/TheThingsNetwork/lora-udp-mux/lorawan/filter"
)

// FilterConfig is the "hex/bits" prefix configuration for one server.
type FilterConfig struct {
	DevAddrPrefixes []string `mapstructure:"dev_addr_prefixes"`
	JoinEUIPrefixes []string `mapstructure:"join_eui_prefixes"`
}

// ToFilterSet parses every prefix string, failing fast on the first
// malformed entry so bad configuration is caught at startup rather than
// silently matching nothing.
func (f FilterConfig) ToFilterSet() (filter.Set, error) {
	var set filter.Set

	for _, s := range f.DevAddrPrefixes {
		p, err := filter.ParseDevAddrPrefix(s)
		if err != nil {
			return filter.Set{}, err
		}
		set.DevAddrPrefixes = append(set.DevAddrPrefixes, p)
	}

	for _, s := range f.JoinEUIPrefixes {
		p, err := filter.ParseJoinEUIPrefix(s)
		if err != nil {
			return filter.Set{}, err
		}
		set.JoinEUIPrefixes = append(set.JoinEUIPrefixes, p)
	}

	return set, nil
}

// ServerConfig describes one downstream network server.
type ServerConfig struct {
	Address string       `mapstructure:"address"`
	Filters FilterConfig `mapstructure:"filters"`
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Bind string `mapstructure:"bind"`
}

// Configuration is the abstract configuration described in spec.md §6:
// one gateway-facing bind address and an ordered list of servers, each
// with its own filter set.
type Configuration struct {
	Bind               string         `mapstructure:"bind"`
	LogLevel           string         `mapstructure:"log_level"`
	StatusInterval     time.Duration  `mapstructure:"status_interval"`
	DownlinkAckTimeout time.Duration  `mapstructure:"downlink_ack_timeout"`
	GatewayIdleTimeout time.Duration  `mapstructure:"gateway_idle_timeout"`
	Metrics            MetricsConfig  `mapstructure:"metrics"`
	Servers            []ServerConfig `mapstructure:"servers"`
}

// Defaults holds the configuration values applied before a file or flags
// are read.
func Defaults() Configuration {
	return Configuration{
		Bind:               "0.0.0.0:1700",
		LogLevel:           "info",
		StatusInterval:     30 * time.Second,
		DownlinkAckTimeout: 10 * time.Second,
		GatewayIdleTimeout: 0,
		Metrics:            MetricsConfig{Bind: "0.0.0.0:9100"},
	}
}

// Load reads configuration from v (a Viper instance already populated
// with defaults, a config file, env vars and/or flags by the caller) into
// a Configuration, validating that the bind address and every server
// address are non-empty and that every filter prefix parses. Addresses
// are not resolved here.
func Load(v *viper.Viper) (Configuration, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Configuration{}, errors.Wrap(err, "config: unmarshal")
	}

	if cfg.Bind == "" {
		return Configuration{}, errors.New("config: bind address must not be empty")
	}

	for i, s := range cfg.Servers {
		if s.Address == "" {
			return Configuration{}, errors.Errorf("config: servers[%d]: address must not be empty", i)
		}
		if _, err := s.Filters.ToFilterSet(); err != nil {
			return Configuration{}, errors.Wrapf(err, "config: servers[%d]", i)
		}
	}

	return cfg, nil
}

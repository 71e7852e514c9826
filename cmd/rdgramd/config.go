package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/getlantern/rdgram"
)

// daemonConfig is the rdgramd TOML file. Engine settings live under
// [engine] and keep their defaults when omitted.
type daemonConfig struct {
	Listen      string        `toml:"listen"`
	MetricsAddr string        `toml:"metrics_addr"`
	Engine      rdgram.Config `toml:"engine"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Listen: ":7400",
		Engine: rdgram.DefaultConfig(),
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return daemonConfig{}, fmt.Errorf("load rdgramd config: %w", err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return daemonConfig{}, fmt.Errorf("invalid [engine] in %s: %w", path, err)
	}
	return cfg, nil
}

// Package config loads the node's local, non-coordinator-supplied
// configuration: directory layout and bootstrap listen settings. This is
// distinct from Settings (§3), which is owned by the coordinator; config
// only covers what the node needs before it can reach the coordinator at
// all.
package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// NodeConfig is loaded from an optional YAML file (the -config flag,
// default config.yaml in the working directory). Its absence is not an
// error: Default() applies.
type NodeConfig struct {
	DataDir        string `yaml:"data_dir" validate:"required"`
	LogDir         string `yaml:"log_dir" validate:"required"`
	CacheDir       string `yaml:"cache_dir" validate:"required"`
	TempDir        string `yaml:"temp_dir" validate:"required"`
	DownloadDir    string `yaml:"download_dir" validate:"required"`
	BootstrapPort  uint16 `yaml:"bootstrap_port" validate:"required"`
	RPCBase        string `yaml:"rpc_base" validate:"required,url"`
	MaxConnections int    `yaml:"max_connections" validate:"gte=0"`

	// MetricsAddr is the bind address for the Prometheus /metrics
	// endpoint. Empty disables it entirely.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration, matching the original
// source's hard-coded ./data, ./log, ./cache, ./tmp, ./download layout.
func Default() NodeConfig {
	return NodeConfig{
		DataDir:        "./data",
		LogDir:         "./log",
		CacheDir:       "./cache",
		TempDir:        "./tmp",
		DownloadDir:    "./download",
		BootstrapPort:  443,
		RPCBase:        "https://rpc.hentaiathome.net",
		MaxConnections: 4096,
		MetricsAddr:    "127.0.0.1:9090",
	}
}

// Dirs returns the five directories that must exist before startup.
func (c NodeConfig) Dirs() []string {
	return []string{c.DataDir, c.LogDir, c.CacheDir, c.TempDir, c.DownloadDir}
}

var validate = validator.New()

// Load reads path if present and merges it over Default(); a missing file
// is not an error. The merged result is validated with go-playground's
// validator before being returned.
func Load(path string) (NodeConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, validate.Struct(cfg)
		}
		return NodeConfig{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, err
	}

	if err := validate.Struct(cfg); err != nil {
		return NodeConfig{}, err
	}

	return cfg, nil
}

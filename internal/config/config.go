// Package config loads the helmsman configuration file and fills in
// defaults for everything left unspecified.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"helmsman/pkg/logging"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "/etc/helmsman/config.yaml"

// Config is the top-level configuration structure for helmsman.
type Config struct {
	// Listen is the HTTP bind address for the control API.
	Listen string `yaml:"listen,omitempty"`

	// RegistryPath points at the service/model/policy catalog file.
	RegistryPath string `yaml:"registryPath,omitempty"`

	Probe    ProbeConfig    `yaml:"probe,omitempty"`
	Idle     IdleConfig     `yaml:"idle,omitempty"`
	Models   ModelsConfig   `yaml:"models,omitempty"`
	Provider ProviderConfig `yaml:"provider,omitempty"`
	Stores   StoresConfig   `yaml:"stores,omitempty"`
}

// ProbeConfig tunes the readiness prober.
type ProbeConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// IdleConfig tunes the idle-sleep monitor.
type IdleConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// ModelsConfig tunes model lifecycle handling.
type ModelsConfig struct {
	// KeepAlive is the residency window granted to a model on load.
	KeepAlive time.Duration `yaml:"keepAlive,omitempty"`
}

// ProviderConfig points at the backing inference runtime.
type ProviderConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

// StoresConfig configures the three record stores for consistency
// inspection. An inspection only consults the stores that are configured.
type StoresConfig struct {
	Vector     VectorStoreConfig     `yaml:"vector,omitempty"`
	Cache      CacheStoreConfig      `yaml:"cache,omitempty"`
	Relational RelationalStoreConfig `yaml:"relational,omitempty"`
}

// VectorStoreConfig points at the Weaviate instance.
type VectorStoreConfig struct {
	Host   string `yaml:"host,omitempty"`
	Scheme string `yaml:"scheme,omitempty"`
	Class  string `yaml:"class,omitempty"`
}

// CacheStoreConfig points at the Redis instance.
type CacheStoreConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// RelationalStoreConfig points at the SQLite database file.
type RelationalStoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:       "localhost:8090",
		RegistryPath: "registry.yaml",
		Probe: ProbeConfig{
			Interval: 500 * time.Millisecond,
			Timeout:  30 * time.Second,
		},
		Idle: IdleConfig{
			Interval: 30 * time.Second,
			Timeout:  5 * time.Minute,
		},
		Models: ModelsConfig{
			KeepAlive: 2 * time.Minute,
		},
		Provider: ProviderConfig{
			Endpoint: "http://localhost:11434",
		},
		Stores: StoresConfig{
			Vector: VectorStoreConfig{
				Scheme: "http",
				Class:  "Record",
			},
		},
	}
}

// Load reads the configuration file at path, layered over the defaults. A
// missing file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "No config file at %s, using defaults", path)
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}

	logging.Info("Config", "Loaded configuration from %s", path)
	return cfg, nil
}

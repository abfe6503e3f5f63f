// Package config loads node settings from YAML.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

type Config struct {
	// Node name, unique in the cluster. Defaults to the host name.
	Name string `json:"name,omitempty"`
	// Queue is the tag of the application command queue.
	Queue string `json:"queue,omitempty"`

	Listen string   `json:"listen,omitempty"`
	Peers  []string `json:"peers,omitempty"`

	CacheMaxSize int64         `json:"cacheMaxSize,omitempty"`
	CacheMaxAge  time.Duration `json:"cacheMaxAge,omitempty"`

	// StoreDir holds the version archive; empty keeps it in memory.
	StoreDir     string `json:"storeDir,omitempty"`
	KeepVersions int    `json:"keepVersions,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`

	// MapTimeout bounds waiting for a master to answer.
	MapTimeout time.Duration `json:"mapTimeout,omitempty"`
}

const (
	DefaultQueue        = "app"
	DefaultCacheMaxSize = 64 << 20
	DefaultKeepVersions = 8
	DefaultMapTimeout   = 10 * time.Second
)

func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name, _ = os.Hostname()
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.CacheMaxSize == 0 {
		c.CacheMaxSize = DefaultCacheMaxSize
	}
	if c.KeepVersions == 0 {
		c.KeepVersions = DefaultKeepVersions
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MapTimeout == 0 {
		c.MapTimeout = DefaultMapTimeout
	}
}

// Parse reads YAML (or JSON) and fills the defaults.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	c.SetDefaults()
	return c, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

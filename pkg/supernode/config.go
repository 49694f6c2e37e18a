// pkg/supernode/config.go
package supernode

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the supernode's runtime configuration (spec.md §6).
type Config struct {
	EdgePort   int    `mapstructure:"edge_port"`
	MgmtPort   int    `mapstructure:"mgmt_port"`
	Foreground bool   `mapstructure:"foreground"`
	Verbose    int    `mapstructure:"verbose"`
	StateDir   string `mapstructure:"state_dir"`
	ConfigFile string `mapstructure:"config_file"`

	CoordinatorEnabled bool     `mapstructure:"coordinator_enabled"`
	SNMPort            int      `mapstructure:"snm_port"`
	SeedPeers          []string `mapstructure:"seed_peers"`
}

// DefaultEdgePort, DefaultMgmtPort and DefaultSNMPort mirror spec.md §6's
// documented defaults.
const (
	DefaultEdgePort = 7654
	DefaultMgmtPort = 5645
	DefaultSNMPort  = 7655
)

func DefaultConfig() *Config {
	return &Config{
		EdgePort:   DefaultEdgePort,
		MgmtPort:   DefaultMgmtPort,
		Foreground: false,
		Verbose:    0,
		StateDir:   ".",
		ConfigFile: "supernode.yaml",
	}
}

// LoadConfig loads configuration from file and environment (spec.md §6's
// external interface is layered on top via cmd/supernode's CLI flags,
// applied by ApplyFlags after this returns).
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName(strings.TrimSuffix(cfg.ConfigFile, ".yaml"))
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/n2n-go/")
	viper.AddConfigPath("$HOME/.n2n-go")
	viper.SetEnvPrefix("N2N")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("supernode: read config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("supernode: unmarshal config: %w", err)
	}
	return cfg, nil
}

// ApplyFlags overlays CLI-flag values onto cfg. Only flags explicitly set
// by the user override what LoadConfig already resolved, so file/env
// values survive when a flag is left at its default.
func (c *Config) ApplyFlags(edgePort, snmPort int, foreground bool, verbose int, seedPeers []string, edgePortSet, snmPortSet, seedPeersSet bool) {
	if edgePortSet {
		c.EdgePort = edgePort
	}
	if snmPortSet {
		c.SNMPort = snmPort
		c.CoordinatorEnabled = true
	}
	if seedPeersSet {
		c.SeedPeers = seedPeers
		c.CoordinatorEnabled = true
	}
	c.Foreground = c.Foreground || foreground
	if verbose > 0 {
		c.Verbose = verbose
	}
}

package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/rgmanager/pkg/storage"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RGMANAGER_NODE_ID
const EnvPrefix = "RGMANAGER"

// Config is the daemon configuration
type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	API        APIConfig        `mapstructure:"api"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Containerd ContainerdConfig `mapstructure:"containerd"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	DNS        DNSConfig        `mapstructure:"dns"`
	GroupsFile string           `mapstructure:"groups_file"`
}

// NodeConfig identifies the local node
type NodeConfig struct {
	ID       string `mapstructure:"id"`
	DataDir  string `mapstructure:"data_dir"`
	ProcRoot string `mapstructure:"proc_root"`
}

// APIConfig contains listener addresses
type APIConfig struct {
	Addr       string `mapstructure:"addr"`        // gRPC
	HealthAddr string `mapstructure:"health_addr"` // /health, /ready, /metrics
	TLSDir     string `mapstructure:"tls_dir"`     // mTLS material; plaintext when empty
}

// StorageConfig selects the intent store
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// SchedulerConfig tunes agent invocation and retries
type SchedulerConfig struct {
	AgentTimeout    time.Duration `mapstructure:"agent_timeout"`
	RelocationDelay time.Duration `mapstructure:"relocation_delay"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

// RetryConfig is the agent retry budget
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// ReconcileConfig tunes the reconciliation loop
type ReconcileConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxResults int           `mapstructure:"max_results"`
}

// ClusterConfig contains raft membership settings. With clustering
// disabled the node runs standalone as a single quorate member.
type ClusterConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	RaftAddr         string        `mapstructure:"raft_addr"`
	Peers            []PeerConfig  `mapstructure:"peers"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// PeerConfig describes one cluster member
type PeerConfig struct {
	ID       string `mapstructure:"id"`
	RaftAddr string `mapstructure:"raft_addr"`
	APIAddr  string `mapstructure:"api_addr"`
}

// ContainerdConfig locates containerd for container groups
type ContainerdConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Socket  string `mapstructure:"socket"`
}

// DNSConfig publishes group owners over DNS
type DNSConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	ListenAddr string            `mapstructure:"listen_addr"`
	Domain     string            `mapstructure:"domain"`
	Upstream   []string          `mapstructure:"upstream"`
	Addresses  map[string]string `mapstructure:"addresses"` // node id -> IP
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

// Load reads the configuration file at path, if any, applies RGMANAGER_*
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rgmanager")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rgmanager")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.data_dir", "./rgmanager-data")
	v.SetDefault("node.proc_root", "/proc")

	v.SetDefault("api.addr", "127.0.0.1:7946")
	v.SetDefault("api.health_addr", "127.0.0.1:9090")
	v.SetDefault("api.tls_dir", "")

	v.SetDefault("storage.backend", storage.BackendBolt)

	v.SetDefault("scheduler.agent_timeout", time.Minute)
	v.SetDefault("scheduler.relocation_delay", 5*time.Second)
	v.SetDefault("scheduler.retry.max_attempts", 3)
	v.SetDefault("scheduler.retry.initial_backoff", time.Second)
	v.SetDefault("scheduler.retry.max_backoff", 30*time.Second)
	v.SetDefault("scheduler.retry.multiplier", 2.0)

	v.SetDefault("reconcile.interval", 10*time.Second)
	v.SetDefault("reconcile.max_results", 64)

	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.raft_addr", "127.0.0.1:7947")
	v.SetDefault("cluster.heartbeat_timeout", time.Second)

	v.SetDefault("containerd.enabled", false)
	v.SetDefault("containerd.socket", "/run/containerd/containerd.sock")

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_addr", "127.0.0.1:5353")
	v.SetDefault("dns.domain", "rgmanager")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("groups_file", "")
}

// Validate checks the configuration and fills computed values
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	c.Node.DataDir = filepath.Clean(c.Node.DataDir)

	switch c.Storage.Backend {
	case storage.BackendBolt, storage.BackendBadger:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", storage.BackendBolt, storage.BackendBadger, c.Storage.Backend)
	}

	if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
		return fmt.Errorf("invalid api.addr %q: %w", c.API.Addr, err)
	}

	if c.Scheduler.Retry.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.retry.max_attempts must be at least 1")
	}
	if c.Scheduler.Retry.Multiplier < 1 {
		return fmt.Errorf("scheduler.retry.multiplier must be at least 1")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}

	if c.Cluster.Enabled {
		if len(c.Cluster.Peers) == 0 {
			return fmt.Errorf("cluster.peers is required when clustering is enabled")
		}
		seen := make(map[string]bool, len(c.Cluster.Peers))
		self := false
		for _, p := range c.Cluster.Peers {
			if p.ID == "" || p.RaftAddr == "" {
				return fmt.Errorf("cluster peer requires id and raft_addr")
			}
			if seen[p.ID] {
				return fmt.Errorf("duplicate cluster peer %q", p.ID)
			}
			seen[p.ID] = true
			if p.ID == c.Node.ID {
				self = true
				if c.Cluster.RaftAddr == "" {
					c.Cluster.RaftAddr = p.RaftAddr
				}
			}
		}
		if !self {
			return fmt.Errorf("node %q is not listed in cluster.peers", c.Node.ID)
		}
	}

	return nil
}

// NodeAddresses maps node ids to the address published for them: the
// dns.addresses entry, else the host of the peer's api_addr. A standalone
// node uses its own api.addr.
func (c *Config) NodeAddresses() map[string]string {
	out := make(map[string]string)
	if c.Cluster.Enabled {
		for _, p := range c.Cluster.Peers {
			if p.APIAddr != "" {
				out[p.ID] = p.APIAddr
			}
		}
	} else {
		out[c.Node.ID] = c.API.Addr
	}
	for id, addr := range c.DNS.Addresses {
		out[id] = addr
	}
	return out
}

// Peer returns the peer entry for id
func (c *Config) Peer(id string) (PeerConfig, bool) {
	for _, p := range c.Cluster.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerConfig{}, false
}

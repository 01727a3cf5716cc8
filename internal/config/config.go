/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package config loads and validates the node configuration surface: identity,
listen address, peer list, Raft timing, per-subsystem tunables, discovery
mode, compression codec, TLS, and logging. Values are loaded once at startup
from an optional TOML file and then from the environment (the environment
always wins) and are immutable once a node has started.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	derrors "distsync/internal/errors"
)

// Environment variable names, matching the on-disk TOML keys.
const (
	EnvNodeID                  = "NODE_ID"
	EnvNodeHost                = "NODE_HOST"
	EnvNodePort                = "NODE_PORT"
	EnvControlPort             = "CONTROL_PORT"
	EnvClusterNodes            = "CLUSTER_NODES"
	EnvElectionTimeoutMin      = "RAFT_ELECTION_TIMEOUT_MIN"
	EnvElectionTimeoutMax      = "RAFT_ELECTION_TIMEOUT_MAX"
	EnvHeartbeatInterval       = "HEARTBEAT_INTERVAL"
	EnvCacheSize               = "CACHE_SIZE"
	EnvQueueMaxSize            = "QUEUE_MAX_SIZE"
	EnvLockTimeout             = "LOCK_TIMEOUT"
	EnvDeadlockDetectionPeriod = "DEADLOCK_DETECTION_INTERVAL"
	EnvFailureHeartbeatPeriod  = "FAILURE_HEARTBEAT_INTERVAL"
	EnvPhiThreshold            = "PHI_THRESHOLD"
	EnvDiscoveryMode           = "DISCOVERY_MODE"
	EnvDiscoveryDomain         = "DISCOVERY_DOMAIN"
	EnvCompressionCodec        = "COMPRESSION_CODEC"
	EnvTLSEnabled              = "TLS_ENABLED"
	EnvLogLevel                = "LOG_LEVEL"
	EnvLogJSON                 = "LOG_JSON"
)

// Config is the full node configuration surface. Every field has a default
// matching the values listed in the node's external interface contract;
// Validate enforces the invariants that must hold regardless of source.
type Config struct {
	NodeID string `toml:"node_id"`
	Host   string `toml:"node_host"`
	Port   int    `toml:"node_port"`

	// ControlPort is where distsync-cli and other loopback operator tools
	// connect; it is never advertised to peers or exposed outside loopback.
	ControlPort int `toml:"control_port"`

	// ClusterNodes is the static peer list (host:port), comma-separated on
	// the wire and in the environment.
	ClusterNodes    []string `toml:"-"`
	ClusterNodesRaw string   `toml:"cluster_nodes"`

	ElectionTimeoutMinMS int `toml:"raft_election_timeout_min"`
	ElectionTimeoutMaxMS int `toml:"raft_election_timeout_max"`
	HeartbeatIntervalMS  int `toml:"heartbeat_interval"`

	CacheSize    int `toml:"cache_size"`
	QueueMaxSize int `toml:"queue_max_size"`

	LockTimeoutSec             int `toml:"lock_timeout"`
	DeadlockDetectionIntervalS int `toml:"deadlock_detection_interval"`

	FailureHeartbeatIntervalMS int     `toml:"failure_heartbeat_interval"`
	PhiThreshold               float64 `toml:"phi_threshold"`

	DiscoveryMode   string `toml:"discovery_mode"`
	DiscoveryDomain string `toml:"discovery_domain"`

	CompressionCodec string `toml:"compression_codec"`
	TLSEnabled       bool   `toml:"tls_enabled"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	// ConfigFile records the path this config was loaded from, empty when
	// constructed purely from defaults or the environment.
	ConfigFile string `toml:"-"`
}

// DefaultConfig returns the configuration every node starts from before a
// file or the environment is applied.
func DefaultConfig() *Config {
	return &Config{
		NodeID:                     "",
		Host:                       "0.0.0.0",
		Port:                       7000,
		ControlPort:                7100,
		ClusterNodes:               nil,
		ElectionTimeoutMinMS:       150,
		ElectionTimeoutMaxMS:       300,
		HeartbeatIntervalMS:        50,
		CacheSize:                  1000,
		QueueMaxSize:               10000,
		LockTimeoutSec:             30,
		DeadlockDetectionIntervalS: 5,
		FailureHeartbeatIntervalMS: 1000,
		PhiThreshold:               8,
		DiscoveryMode:              "static",
		DiscoveryDomain:            "",
		CompressionCodec:           "none",
		TLSEnabled:                 false,
		LogLevel:                   "info",
		LogJSON:                    false,
	}
}

// Validate checks the invariants that must hold no matter the source the
// values came from.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return derrors.InvalidConfig("node_id must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return derrors.InvalidConfig(fmt.Sprintf("node_port %d out of range", c.Port))
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return derrors.InvalidConfig(fmt.Sprintf("control_port %d out of range", c.ControlPort))
	}
	if c.ElectionTimeoutMinMS <= 0 || c.ElectionTimeoutMaxMS <= 0 {
		return derrors.InvalidConfig("raft election timeouts must be positive")
	}
	if c.ElectionTimeoutMaxMS < c.ElectionTimeoutMinMS {
		return derrors.InvalidConfig("raft_election_timeout_max must be >= raft_election_timeout_min")
	}
	if c.HeartbeatIntervalMS <= 0 {
		return derrors.InvalidConfig("heartbeat_interval must be positive")
	}
	if c.CacheSize <= 0 {
		return derrors.InvalidConfig("cache_size must be positive")
	}
	if c.QueueMaxSize <= 0 {
		return derrors.InvalidConfig("queue_max_size must be positive")
	}
	if c.LockTimeoutSec <= 0 {
		return derrors.InvalidConfig("lock_timeout must be positive")
	}
	if c.DeadlockDetectionIntervalS <= 0 {
		return derrors.InvalidConfig("deadlock_detection_interval must be positive")
	}
	if c.PhiThreshold <= 0 {
		return derrors.InvalidConfig("phi_threshold must be positive")
	}
	switch c.DiscoveryMode {
	case "static", "mdns", "dns":
	default:
		return derrors.InvalidConfig(fmt.Sprintf("unknown discovery_mode %q", c.DiscoveryMode))
	}
	switch c.CompressionCodec {
	case "none", "snappy", "lz4":
	default:
		return derrors.InvalidConfig(fmt.Sprintf("unknown compression_codec %q", c.CompressionCodec))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return derrors.InvalidConfig(fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	return nil
}

// ToTOML renders the configuration as a TOML document.
func (c *Config) ToTOML() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node_id = %q\n", c.NodeID)
	fmt.Fprintf(&b, "node_host = %q\n", c.Host)
	fmt.Fprintf(&b, "node_port = %d\n", c.Port)
	fmt.Fprintf(&b, "control_port = %d\n", c.ControlPort)
	fmt.Fprintf(&b, "cluster_nodes = %q\n", strings.Join(c.ClusterNodes, ","))
	fmt.Fprintf(&b, "raft_election_timeout_min = %d\n", c.ElectionTimeoutMinMS)
	fmt.Fprintf(&b, "raft_election_timeout_max = %d\n", c.ElectionTimeoutMaxMS)
	fmt.Fprintf(&b, "heartbeat_interval = %d\n", c.HeartbeatIntervalMS)
	fmt.Fprintf(&b, "cache_size = %d\n", c.CacheSize)
	fmt.Fprintf(&b, "queue_max_size = %d\n", c.QueueMaxSize)
	fmt.Fprintf(&b, "lock_timeout = %d\n", c.LockTimeoutSec)
	fmt.Fprintf(&b, "deadlock_detection_interval = %d\n", c.DeadlockDetectionIntervalS)
	fmt.Fprintf(&b, "failure_heartbeat_interval = %d\n", c.FailureHeartbeatIntervalMS)
	fmt.Fprintf(&b, "phi_threshold = %g\n", c.PhiThreshold)
	fmt.Fprintf(&b, "discovery_mode = %q\n", c.DiscoveryMode)
	fmt.Fprintf(&b, "discovery_domain = %q\n", c.DiscoveryDomain)
	fmt.Fprintf(&b, "compression_codec = %q\n", c.CompressionCodec)
	fmt.Fprintf(&b, "tls_enabled = %t\n", c.TLSEnabled)
	fmt.Fprintf(&b, "log_level = %q\n", c.LogLevel)
	fmt.Fprintf(&b, "log_json = %t\n", c.LogJSON)
	return b.String()
}

// SaveToFile writes the configuration as TOML to path, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	if dir := strings.TrimSuffix(path, "/"+lastElem(path)); dir != path {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return derrors.InvalidConfig("cannot create config directory").WithCause(err)
		}
	}
	return os.WriteFile(path, []byte(c.ToTOML()), 0644)
}

func lastElem(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return path
	}
	return path[i+1:]
}

// String renders a human-readable summary, used for startup log lines.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{NodeID: %s, Host: %s, Port: %d, ClusterNodes: %v, "+
			"ElectionTimeout: [%d,%d]ms, Heartbeat: %dms, CacheSize: %d, QueueMaxSize: %d, "+
			"DiscoveryMode: %s, CompressionCodec: %s, TLSEnabled: %t, LogLevel: %s}",
		c.NodeID, c.Host, c.Port, c.ClusterNodes,
		c.ElectionTimeoutMinMS, c.ElectionTimeoutMaxMS, c.HeartbeatIntervalMS,
		c.CacheSize, c.QueueMaxSize, c.DiscoveryMode, c.CompressionCodec, c.TLSEnabled, c.LogLevel,
	)
}

// ReloadFunc is invoked with the freshly loaded configuration every time
// Reload succeeds.
type ReloadFunc func(*Config)

// Manager owns the current Config and coordinates safe reload from the file
// it was originally loaded from.
type Manager struct {
	mu         sync.RWMutex
	cfg        *Config
	configPath string
	callbacks  []ReloadFunc
}

// NewManager returns a Manager seeded with DefaultConfig.
func NewManager() *Manager {
	return &Manager{cfg: DefaultConfig()}
}

var (
	globalOnce sync.Once
	globalMgr  *Manager
)

// Global returns the process-wide Manager singleton, creating it on first
// use.
func Global() *Manager {
	globalOnce.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// LoadFromFile parses a TOML config file and merges it over the current
// defaults, recording path for future Reload calls.
func (m *Manager) LoadFromFile(path string) error {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return derrors.InvalidConfig("failed to parse config file").WithDetail(path).WithCause(err)
	}
	cfg.ClusterNodes = splitPeers(cfg.ClusterNodesRaw)
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.configPath = path
	m.mu.Unlock()
	return nil
}

// LoadFromEnv overlays environment variables onto the current configuration,
// the environment taking precedence over whatever was previously loaded.
func (m *Manager) LoadFromEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := *m.cfg
	if v, ok := os.LookupEnv(EnvNodeID); ok {
		cfg.NodeID = v
	}
	if v, ok := os.LookupEnv(EnvNodeHost); ok {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv(EnvNodePort); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v, ok := os.LookupEnv(EnvControlPort); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ControlPort = n
		}
	}
	if v, ok := os.LookupEnv(EnvClusterNodes); ok {
		cfg.ClusterNodes = splitPeers(v)
	}
	if v, ok := os.LookupEnv(EnvElectionTimeoutMin); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ElectionTimeoutMinMS = n
		}
	}
	if v, ok := os.LookupEnv(EnvElectionTimeoutMax); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ElectionTimeoutMaxMS = n
		}
	}
	if v, ok := os.LookupEnv(EnvHeartbeatInterval); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatIntervalMS = n
		}
	}
	if v, ok := os.LookupEnv(EnvCacheSize); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheSize = n
		}
	}
	if v, ok := os.LookupEnv(EnvQueueMaxSize); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxSize = n
		}
	}
	if v, ok := os.LookupEnv(EnvLockTimeout); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockTimeoutSec = n
		}
	}
	if v, ok := os.LookupEnv(EnvDeadlockDetectionPeriod); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeadlockDetectionIntervalS = n
		}
	}
	if v, ok := os.LookupEnv(EnvFailureHeartbeatPeriod); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FailureHeartbeatIntervalMS = n
		}
	}
	if v, ok := os.LookupEnv(EnvPhiThreshold); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PhiThreshold = f
		}
	}
	if v, ok := os.LookupEnv(EnvDiscoveryMode); ok {
		cfg.DiscoveryMode = v
	}
	if v, ok := os.LookupEnv(EnvDiscoveryDomain); ok {
		cfg.DiscoveryDomain = v
	}
	if v, ok := os.LookupEnv(EnvCompressionCodec); ok {
		cfg.CompressionCodec = v
	}
	if v, ok := os.LookupEnv(EnvTLSEnabled); ok {
		cfg.TLSEnabled = v == "true" || v == "1"
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvLogJSON); ok {
		cfg.LogJSON = v == "true" || v == "1"
	}

	m.cfg = &cfg
}

// OnReload registers a callback invoked after every successful Reload.
func (m *Manager) OnReload(fn ReloadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Reload re-reads the file this Manager was loaded from and notifies every
// registered callback. It is a no-op error if the Manager was never loaded
// from a file.
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.configPath
	m.mu.RUnlock()

	if path == "" {
		return derrors.InvalidConfig("Reload called on a Manager with no configured file")
	}
	if err := m.LoadFromFile(path); err != nil {
		return err
	}

	m.mu.RLock()
	cfg := m.cfg
	callbacks := append([]ReloadFunc(nil), m.callbacks...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}

func splitPeers(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

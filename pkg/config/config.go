// Package config loads the kernel substrate's configuration surface (spec
// §6) from a YAML file, the way cmd/warren's `apply` command parses resource
// YAML with gopkg.in/yaml.v3, with defaults for every key and CLI-flag
// overrides applied on top.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FsyncMode selects the ledger's durability contract (spec §6).
type FsyncMode string

const (
	FsyncAlways   FsyncMode = "always"
	FsyncPeriodic FsyncMode = "periodic"
)

// Config is the full recognized configuration surface of spec §6.
type Config struct {
	NodeID       string   `yaml:"node_id"`
	Listen       string   `yaml:"listen"`
	RaftBindAddr string   `yaml:"raft_bind_addr"`
	DataDir      string   `yaml:"data_dir"`
	// Peers lists the other cluster members as "node_id=raft_bind_addr"
	// pairs (spec §6 "peers, node_id: Raft membership and identity"),
	// parsed by pkg/kernel into the map Node.Bootstrap expects.
	Peers    []string `yaml:"peers"`
	LogLevel string   `yaml:"log_level"`
	LogJSON  bool     `yaml:"log_json"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	ElectionMin    time.Duration `yaml:"election_min"`
	ElectionMax    time.Duration `yaml:"election_max"`
	RaftHeartbeat  time.Duration `yaml:"raft_heartbeat"`

	PayloadCeiling uint32 `yaml:"payload_ceiling"`

	ShmemThreshold  uint32 `yaml:"shmem_threshold"`
	ShmemRegionSize uint32 `yaml:"shmem_region_size"`

	TokenTTLDefault time.Duration `yaml:"token_ttl_default"`
	TokenTTLMax     time.Duration `yaml:"token_ttl_max"`

	ClockSkewWindow time.Duration `yaml:"clock_skew_window"`

	StarvationThreshold uint64 `yaml:"starvation_threshold"`
	BoostThreshold      uint64 `yaml:"boost_threshold"`

	FsyncMode FsyncMode `yaml:"fsync_mode"`
	// FsyncInterval is the flush period when FsyncMode is periodic
	// (spec §6's `periodic(ms)`); ignored when FsyncMode is always.
	FsyncInterval time.Duration `yaml:"fsync_interval"`

	MaxSessions        int `yaml:"max_sessions"`
	OutboundQueueDepth int `yaml:"outbound_queue_depth"`

	// EncryptionKeyHex, when set, is a hex-encoded 32-byte AES-256 key
	// applied to every session transport so frames can be sent with
	// FlagEncrypted (spec §6's wire format reserves the bit; this is the
	// out-of-band key material that makes it usable). Empty disables
	// encryption, the default for a loopback/single-host deployment.
	EncryptionKeyHex string `yaml:"encryption_key"`
}

// Default returns the configuration with every key set to the default
// named in spec §6.
func Default() *Config {
	return &Config{
		Listen:              "127.0.0.1:7300",
		RaftBindAddr:        "127.0.0.1:7301",
		DataDir:             "./data",
		LogLevel:            "info",
		HeartbeatInterval:   5 * time.Second,
		HeartbeatTimeout:    15 * time.Second,
		ElectionMin:         150 * time.Millisecond,
		ElectionMax:         300 * time.Millisecond,
		RaftHeartbeat:       50 * time.Millisecond,
		PayloadCeiling:      64 * 1024,
		ShmemThreshold:      64 * 1024,
		ShmemRegionSize:     8 * 1024 * 1024,
		TokenTTLDefault:     time.Hour,
		TokenTTLMax:         time.Hour,
		ClockSkewWindow:     30 * time.Second,
		StarvationThreshold: 50,
		BoostThreshold:      1000,
		FsyncMode:           FsyncAlways,
		FsyncInterval:       100 * time.Millisecond,
		MaxSessions:         1024,
		OutboundQueueDepth:  256,
	}
}

// Load reads a YAML config file and overlays it on the defaults. A missing
// file is not an error: the defaults are returned as-is, mirroring how a
// freshly bootstrapped node has no config file yet.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks internal consistency that spec §6 requires.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.ElectionMin <= 0 || c.ElectionMax <= c.ElectionMin {
		return fmt.Errorf("election_min must be positive and less than election_max")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.PayloadCeiling == 0 {
		return fmt.Errorf("payload_ceiling must be positive")
	}
	if c.FsyncMode != FsyncAlways && c.FsyncMode != FsyncPeriodic {
		return fmt.Errorf("fsync_mode must be %q or %q", FsyncAlways, FsyncPeriodic)
	}
	if c.FsyncMode == FsyncPeriodic && c.FsyncInterval <= 0 {
		return fmt.Errorf("fsync_interval must be positive when fsync_mode is %q", FsyncPeriodic)
	}
	if c.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(c.EncryptionKeyHex)
		if err != nil {
			return fmt.Errorf("encryption_key must be hex-encoded: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption_key must decode to 32 bytes, got %d", len(key))
		}
	}
	return nil
}

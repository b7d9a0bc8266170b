// Package config defines the YAML configuration for a proximity node.
package config

import (
	"time"
)

// Config represents the main configuration for a proximity node.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Session    SessionConfig    `yaml:"session"`
	Auth       AuthConfig       `yaml:"auth"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Connection ConnectionConfig `yaml:"connection"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Chain      ChainConfig      `yaml:"chain"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NodeConfig contains node-level identity configuration.
type NodeConfig struct {
	PeerID        string `yaml:"peer_id"`        // Auto-generated if empty
	UserID        string `yaml:"user_id"`        // Local user identity
	UserTag       string `yaml:"user_tag"`       // Human-readable handle advertised to peers
	WalletAddress string `yaml:"wallet_address"` // Base58 wallet address advertised to peers
}

// SessionConfig contains discovery-session configuration.
type SessionConfig struct {
	DefaultDuration  time.Duration `yaml:"default_duration"`  // default: 30m
	DefaultExtension time.Duration `yaml:"default_extension"` // default: 15m
	SweepInterval    time.Duration `yaml:"sweep_interval"`    // default: 60s
}

// AuthConfig contains challenge-response authentication configuration.
type AuthConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"` // default: 60s
	StartSweeper  bool          `yaml:"start_sweeper"`  // run the challenge sweeper
}

// DiscoveryConfig contains peer discovery configuration.
type DiscoveryConfig struct {
	StalenessWindow time.Duration `yaml:"staleness_window"` // default: 2m
	BeaconPort      int           `yaml:"beacon_port"`      // default: 8877
	ConnectAddr     string        `yaml:"connect_addr"`     // TCP signaling address advertised in beacons
}

// ConnectionConfig contains peer connection configuration.
type ConnectionConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`     // default: ":9443"
	SendQueueSize  int           `yaml:"send_queue_size"` // default: 64
	PingInterval   time.Duration `yaml:"ping_interval"`   // default: 15s
	DialMaxTries   int           `yaml:"dial_max_tries"`  // default: 5
	InitialBackoff time.Duration `yaml:"initial_backoff"` // default: 500ms
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // default: 10s
	STUNServers    []string      `yaml:"stun_servers"`    // WebRTC ICE servers
}

// TransferConfig contains transfer state machine configuration.
type TransferConfig struct {
	RequestTTL     time.Duration `yaml:"request_ttl"`      // default: 5m
	SubmitMaxTries int           `yaml:"submit_max_tries"` // default: 3
	SubmitBackoff  time.Duration `yaml:"submit_backoff"`   // default: 1s
	SubmitCap      time.Duration `yaml:"submit_cap"`       // default: 15s
}

// ChainConfig contains the settlement backend configuration.
type ChainConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`           // default: 30s
	BreakerThreshold int           `yaml:"breaker_threshold"` // default: 5
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`  // default: 30s
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"` // Empty disables persistence
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	EnableColors bool   `yaml:"enable_colors"`
	OutputFile   string `yaml:"output_file"` // Empty for stdout
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			DefaultDuration:  30 * time.Minute,
			DefaultExtension: 15 * time.Minute,
			SweepInterval:    60 * time.Second,
		},
		Auth: AuthConfig{
			SweepInterval: 60 * time.Second,
			StartSweeper:  true,
		},
		Discovery: DiscoveryConfig{
			StalenessWindow: 2 * time.Minute,
			BeaconPort:      8877,
		},
		Connection: ConnectionConfig{
			ListenAddr:     ":9443",
			SendQueueSize:  64,
			PingInterval:   15 * time.Second,
			DialMaxTries:   5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Transfer: TransferConfig{
			RequestTTL:     5 * time.Minute,
			SubmitMaxTries: 3,
			SubmitBackoff:  time.Second,
			SubmitCap:      15 * time.Second,
		},
		Chain: ChainConfig{
			Timeout:          30 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Logging: LoggingConfig{
			EnableColors: true,
		},
	}
}

// Package scanner contains the block scanning loop that feeds the drift
// detector: the dual-transport connection manager, the circuit breaker and
// the orchestrator tying them together.
package scanner

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full scanner configuration.
type Config struct {
	// RPC endpoint configuration
	RPC RPCConfig `yaml:"rpc"`

	// Drift detection tunables
	Drift DriftConfig `yaml:"drift"`

	// Circuit breaker settings
	Breaker BreakerConfig `yaml:"breaker"`

	// Per-block processing settings
	Processing ProcessingConfig `yaml:"processing"`

	// Broker configuration for publishing drift events (optional)
	Broker BrokerConfig `yaml:"broker"`

	// API query surface (optional)
	API APIConfig `yaml:"api"`
}

// RPCConfig holds the chain transport settings.
type RPCConfig struct {
	// WSURL is the push (WebSocket) endpoint. Required.
	WSURL string `yaml:"ws_url"`

	// HTTPURL is the poll (HTTP) fallback endpoint. Required.
	HTTPURL string `yaml:"http_url"`

	// PollInterval is the HTTP fallback polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ReconnectInterval is the minimum quiet time since the last success
	// before a WS reconnect is attempted.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// MaxReconnectAttempts caps consecutive WS reconnect attempts before
	// backing off.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// DialTimeout bounds each dial.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DriftConfig holds the detection heuristics. The constants are tunable
// defaults, not load-bearing correctness requirements.
type DriftConfig struct {
	AnomalyThreshold     float64 `yaml:"anomaly_threshold"`
	PredictionHorizon    uint64  `yaml:"prediction_horizon"`
	PredictionDamping    float64 `yaml:"prediction_damping"`
	EventRetentionBlocks uint64  `yaml:"event_retention_blocks"`
	SlotHistoryDepth     int     `yaml:"slot_history_depth"`
}

// BreakerConfig holds the circuit breaker settings.
type BreakerConfig struct {
	ErrorThreshold int           `yaml:"error_threshold"`
	CoolDown       time.Duration `yaml:"cool_down"`
	AutoReset      bool          `yaml:"auto_reset"`
}

// ProcessingConfig holds per-block processing settings.
type ProcessingConfig struct {
	// ReceiptConcurrency bounds simultaneous receipt fetches per block.
	ReceiptConcurrency int `yaml:"receipt_concurrency"`

	// BlockTimeout bounds one block's processing end to end.
	BlockTimeout time.Duration `yaml:"block_timeout"`

	// WatchAddresses restricts analysis to these contracts (empty = all).
	WatchAddresses []string `yaml:"watch_addresses"`
}

// BrokerConfig holds drift-event publishing settings. Publishing is off
// when no addresses are configured.
type BrokerConfig struct {
	Addresses []string `yaml:"addresses"`
	Topic     string   `yaml:"topic"`
}

// APIConfig holds the HTTP query surface settings. The server is off when
// ListenAddr is empty.
type APIConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxDowntime is how stale the last successful block may be before
	// /health reports unhealthy.
	MaxDowntime time.Duration `yaml:"max_downtime"`
}

// LoadConfig loads configuration from an optional file, then applies CLI
// overrides. Missing endpoints are fatal: the scanner cannot run without
// both transports.
func LoadConfig(configPath, wsURL, httpURL string) (*Config, error) {
	cfg := &Config{
		RPC: RPCConfig{
			PollInterval:         200 * time.Millisecond,
			ReconnectInterval:    30 * time.Second,
			MaxReconnectAttempts: 5,
			DialTimeout:          10 * time.Second,
		},
		Drift: DriftConfig{
			AnomalyThreshold:     0.7,
			PredictionHorizon:    10,
			PredictionDamping:    0.1,
			EventRetentionBlocks: 1000,
			SlotHistoryDepth:     100,
		},
		Breaker: BreakerConfig{
			ErrorThreshold: 5,
			CoolDown:       30 * time.Second,
			AutoReset:      true,
		},
		Processing: ProcessingConfig{
			ReceiptConcurrency: 150,
			BlockTimeout:       10 * time.Second,
		},
		Broker: BrokerConfig{
			Topic: "drift-events",
		},
		API: APIConfig{
			MaxDowntime: 2 * time.Minute,
		},
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if wsURL != "" {
		cfg.RPC.WSURL = wsURL
	}
	if httpURL != "" {
		cfg.RPC.HTTPURL = httpURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RPC.WSURL == "" {
		return fmt.Errorf("ws_url is required")
	}
	if !strings.HasPrefix(c.RPC.WSURL, "ws://") && !strings.HasPrefix(c.RPC.WSURL, "wss://") {
		return fmt.Errorf("ws_url must start with ws:// or wss://")
	}
	if c.RPC.HTTPURL == "" {
		return fmt.Errorf("http_url is required")
	}
	if !strings.HasPrefix(c.RPC.HTTPURL, "http://") && !strings.HasPrefix(c.RPC.HTTPURL, "https://") {
		return fmt.Errorf("http_url must start with http:// or https://")
	}
	if c.Drift.AnomalyThreshold < 0 || c.Drift.AnomalyThreshold > 1 {
		return fmt.Errorf("anomaly_threshold must be in [0,1], got %v", c.Drift.AnomalyThreshold)
	}
	if c.Processing.ReceiptConcurrency <= 0 {
		return fmt.Errorf("receipt_concurrency must be positive")
	}
	return nil
}

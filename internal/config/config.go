// Package config loads the daemon configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ptlnd/internal/lnd"
)

const (
	DefaultListen          = "127.0.0.1:7700"
	DefaultMetricsInterval = 10 * time.Second
)

type Tunables struct {
	PID             uint32        `yaml:"pid"`
	Portal          uint32        `yaml:"portal"`
	MaxMsgSize      int           `yaml:"max_msg_size"`
	PeerCredits     int           `yaml:"peer_credits"`
	BufferSize      int           `yaml:"buffer_size"`
	MaxBuffers      int           `yaml:"max_buffers"`
	MsgsSpare       int           `yaml:"msgs_spare"`
	EQSize          int           `yaml:"eq_size"`
	PeerHashSize    int           `yaml:"peer_hash_size"`
	Checksum        bool          `yaml:"checksum"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TLS struct {
	Insecure bool   `yaml:"insecure"`
	CAPath   string `yaml:"ca_path"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type Config struct {
	NID    uint64 `yaml:"nid"`
	Listen string `yaml:"listen"`
	Home   string `yaml:"home"`
	// Peers seeds the address book: node id -> host:port.
	Peers           map[uint64]string `yaml:"peers"`
	TLS             TLS               `yaml:"tls"`
	MetricsInterval time.Duration     `yaml:"metrics_interval"`
	Tunables        Tunables          `yaml:"tunables"`
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".ptlnd")
	}
	return filepath.Join(home, ".ptlnd")
}

// DefaultPath returns ~/.ptlnd/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultHome(), "config.yaml")
}

func Default() *Config {
	return &Config{
		Listen:          DefaultListen,
		Home:            defaultHome(),
		MetricsInterval: DefaultMetricsInterval,
	}
}

// Load reads path and applies environment overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Home == "" {
		cfg.Home = defaultHome()
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultMetricsInterval
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if raw := strings.TrimSpace(os.Getenv("PTLND_NID")); raw != "" {
		nid, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			return fmt.Errorf("PTLND_NID: %w", err)
		}
		c.NID = nid
	}
	if v := strings.TrimSpace(os.Getenv("PTLND_LISTEN")); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("PTLND_HOME")); v != "" {
		c.Home = v
	}
	if v, ok := envInt("PTLND_PEER_CREDITS"); ok {
		c.Tunables.PeerCredits = v
	}
	if v, ok := envInt("PTLND_MAX_MSG_SIZE"); ok {
		c.Tunables.MaxMsgSize = v
	}
	if raw := strings.TrimSpace(os.Getenv("PTLND_CHECKSUM")); raw != "" {
		on, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("PTLND_CHECKSUM: %w", err)
		}
		c.Tunables.Checksum = on
	}
	return nil
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks what the daemon needs before it can start.
func (c *Config) Validate() error {
	if c.NID == 0 {
		return errors.New("config: nid is required")
	}
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	for nid, addr := range c.Peers {
		if addr == "" {
			return fmt.Errorf("config: peer %#x has no address", nid)
		}
	}
	return nil
}

func (c *Config) PeerBookPath() string {
	return filepath.Join(c.Home, "peers.jsonl")
}

func (c *Config) MetricsPath() string {
	return filepath.Join(c.Home, "metrics.json")
}

// StatusPath is where a running node publishes its peer table.
func (c *Config) StatusPath() string {
	return filepath.Join(c.Home, "status.json")
}

// ToLND converts the tunables for lnd.New; zero values take lnd's
// defaults there.
func (c *Config) ToLND() lnd.Config {
	t := c.Tunables
	return lnd.Config{
		NID:             c.NID,
		PID:             t.PID,
		Portal:          t.Portal,
		MaxMsgSize:      t.MaxMsgSize,
		PeerCredits:     t.PeerCredits,
		BufferSize:      t.BufferSize,
		MaxBuffers:      t.MaxBuffers,
		MsgsSpare:       t.MsgsSpare,
		EQSize:          t.EQSize,
		PeerHashSize:    t.PeerHashSize,
		Checksum:        t.Checksum,
		ShutdownTimeout: t.ShutdownTimeout,
	}
}

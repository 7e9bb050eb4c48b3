package config

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration shared by the master, the chunk servers
// and the client tooling. Every process of a deployment must agree on
// MessageSize, ChunkSize and ChunkPorts.
//
// Sources in order of precedence:
//  1. Environment variables (CHUNKFS_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`

	// Host is the address every server binds to and clients dial.
	Host       string `mapstructure:"host" validate:"required"`
	MasterPort int    `mapstructure:"master_port" validate:"required,min=1,max=65535"`
	// ChunkPorts defines the fleet; a chunk server's index is its position here.
	ChunkPorts []int `mapstructure:"chunk_ports" validate:"required,min=1,dive,min=1,max=65535"`

	// MessageSize is the fixed frame width in bytes.
	MessageSize       int `mapstructure:"message_size" validate:"required,min=64"`
	ChunkSize         int `mapstructure:"chunk_size" validate:"required,min=1"`
	ReplicationFactor int `mapstructure:"replication_factor" validate:"required,min=1"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" validate:"required,gt=0"`
	PruningInterval   time.Duration `mapstructure:"pruning_interval" validate:"required,gt=0"`

	// LogFile is the path of the master's operation log.
	LogFile string `mapstructure:"log_file" validate:"required"`
	SyncLog bool   `mapstructure:"sync_log"`

	// ReadBackoff is the pause between replica attempts while reading a chunk.
	ReadBackoff time.Duration `mapstructure:"read_backoff" validate:"gte=0"`

	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	ChunkServer ChunkServerConfig `mapstructure:"chunk_server"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// GatewayConfig controls the read-only admin HTTP API run next to the master.
type GatewayConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// TLSDir holds name.cert/name.key pairs. Empty serves plain HTTP.
	TLSDir string `mapstructure:"tls_dir"`
}

// DetectorConfig controls the Redis-backed heartbeat probe history.
// An empty RedisAddr disables it.
type DetectorConfig struct {
	RedisAddr  string        `mapstructure:"redis_addr"`
	WindowSize int           `mapstructure:"window_size" validate:"min=1"`
	SampleTTL  time.Duration `mapstructure:"sample_ttl" validate:"gt=0"`
}

type ChunkServerConfig struct {
	// DataDir holds one badger directory per chunk server index.
	DataDir  string `mapstructure:"data_dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// Load reads configuration from configPath (optional), CHUNKFS_* environment
// variables and defaults, then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// CHUNKFS_HEARTBEAT_INTERVAL=2s, CHUNKFS_GATEWAY_ENABLED=true
	v.SetEnvPrefix("CHUNKFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	for key, value := range defaultSettings() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("chunkfs")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && configPath == "" {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func (c *Config) MasterAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.MasterPort))
}

func (c *Config) GatewayAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Gateway.Port))
}

// ChunkServerAddrs returns the fleet endpoints ordered by server index.
func (c *Config) ChunkServerAddrs() []string {
	addrs := make([]string, len(c.ChunkPorts))
	for i, port := range c.ChunkPorts {
		addrs[i] = net.JoinHostPort(c.Host, strconv.Itoa(port))
	}
	return addrs
}

// WriteDefault renders cfg as YAML, suitable as a starting configuration file.
func WriteDefault(w io.Writer, cfg *Config) error {
	doc := map[string]any{
		"logging":            map[string]any{"level": cfg.Logging.Level},
		"host":               cfg.Host,
		"master_port":        cfg.MasterPort,
		"chunk_ports":        cfg.ChunkPorts,
		"message_size":       cfg.MessageSize,
		"chunk_size":         cfg.ChunkSize,
		"replication_factor": cfg.ReplicationFactor,
		"heartbeat_interval": cfg.HeartbeatInterval.String(),
		"heartbeat_timeout":  cfg.HeartbeatTimeout.String(),
		"pruning_interval":   cfg.PruningInterval.String(),
		"log_file":           cfg.LogFile,
		"sync_log":           cfg.SyncLog,
		"read_backoff":       cfg.ReadBackoff.String(),
		"gateway": map[string]any{
			"enabled": cfg.Gateway.Enabled,
			"port":    cfg.Gateway.Port,
			"tls_dir": cfg.Gateway.TLSDir,
		},
		"detector": map[string]any{
			"redis_addr":  cfg.Detector.RedisAddr,
			"window_size": cfg.Detector.WindowSize,
			"sample_ttl":  cfg.Detector.SampleTTL.String(),
		},
		"chunk_server": map[string]any{
			"data_dir":  cfg.ChunkServer.DataDir,
			"in_memory": cfg.ChunkServer.InMemory,
		},
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

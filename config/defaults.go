package config

import (
	"strings"

	"github.com/caleberi/chunkfs/common"
)

// Default returns a configuration populated entirely with defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults replaces zero values with defaults. Explicit values are kept.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if cfg.Host == "" {
		cfg.Host = common.DefaultHost
	}
	if cfg.MasterPort == 0 {
		cfg.MasterPort = common.DefaultMasterPort
	}
	if len(cfg.ChunkPorts) == 0 {
		cfg.ChunkPorts = append([]int(nil), common.DefaultChunkPorts...)
	}
	if cfg.MessageSize == 0 {
		cfg.MessageSize = common.DefaultMessageSize
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = common.DefaultChunkSize
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = common.DefaultReplicationFactor
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = common.DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = common.DefaultHeartbeatTimeout
	}
	if cfg.PruningInterval == 0 {
		cfg.PruningInterval = common.DefaultPruningInterval
	}
	if cfg.LogFile == "" {
		cfg.LogFile = common.DefaultLogFile
	}
	if cfg.ReadBackoff == 0 {
		cfg.ReadBackoff = common.DefaultReadBackoff
	}

	applyGatewayDefaults(&cfg.Gateway)
	applyDetectorDefaults(&cfg.Detector)
	applyChunkServerDefaults(&cfg.ChunkServer)
}

func applyGatewayDefaults(cfg *GatewayConfig) {
	if cfg.Port == 0 {
		cfg.Port = common.DefaultGatewayPort
	}
}

func applyDetectorDefaults(cfg *DetectorConfig) {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = common.DefaultProbeWindowSize
	}
	if cfg.SampleTTL == 0 {
		cfg.SampleTTL = common.DefaultProbeSampleTTL
	}
}

func applyChunkServerDefaults(cfg *ChunkServerConfig) {
	if cfg.DataDir == "" {
		cfg.DataDir = "chunks"
	}
}

// defaultSettings mirrors ApplyDefaults as flat viper keys.
func defaultSettings() map[string]any {
	d := Default()
	return map[string]any{
		"logging.level":          d.Logging.Level,
		"host":                   d.Host,
		"master_port":            d.MasterPort,
		"chunk_ports":            d.ChunkPorts,
		"message_size":           d.MessageSize,
		"chunk_size":             d.ChunkSize,
		"replication_factor":     d.ReplicationFactor,
		"heartbeat_interval":     d.HeartbeatInterval,
		"heartbeat_timeout":      d.HeartbeatTimeout,
		"pruning_interval":       d.PruningInterval,
		"log_file":               d.LogFile,
		"sync_log":               d.SyncLog,
		"read_backoff":           d.ReadBackoff,
		"gateway.enabled":        d.Gateway.Enabled,
		"gateway.port":           d.Gateway.Port,
		"gateway.tls_dir":        d.Gateway.TLSDir,
		"detector.redis_addr":    d.Detector.RedisAddr,
		"detector.window_size":   d.Detector.WindowSize,
		"detector.sample_ttl":    d.Detector.SampleTTL,
		"chunk_server.data_dir":  d.ChunkServer.DataDir,
		"chunk_server.in_memory": d.ChunkServer.InMemory,
	}
}

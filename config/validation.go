package config

import (
	"encoding/base64"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// frameOverhead is the room a read_chunk reply needs besides its payload.
const frameOverhead = 256

// Validate checks struct tags first, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	ports := make(map[int]bool)
	for i, port := range cfg.ChunkPorts {
		if ports[port] {
			return fmt.Errorf("chunk_ports[%d]: duplicate port %d", i, port)
		}
		if port == cfg.MasterPort {
			return fmt.Errorf("chunk_ports[%d]: port %d is already the master port", i, port)
		}
		ports[port] = true
	}

	if need := base64.StdEncoding.EncodedLen(cfg.ChunkSize) + frameOverhead; cfg.MessageSize < need {
		return fmt.Errorf("message_size: %d cannot carry a %d byte chunk, need at least %d",
			cfg.MessageSize, cfg.ChunkSize, need)
	}

	if cfg.HeartbeatTimeout >= cfg.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout: %v must be shorter than heartbeat_interval %v",
			cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}

	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port == cfg.MasterPort || ports[cfg.Gateway.Port] {
			return fmt.Errorf("gateway.port: port %d collides with a chunkfs server", cfg.Gateway.Port)
		}
	}

	if !cfg.ChunkServer.InMemory && cfg.ChunkServer.DataDir == "" {
		return fmt.Errorf("chunk_server.data_dir: required unless in_memory is set")
	}
	return nil
}

// formatValidationError reports the first failing field with its tag.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

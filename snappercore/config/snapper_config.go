package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and finalized
// by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode        string
	RPCPort        string
	WebSocketPort  string
	Redis          YamlRedisConfig
	TokenSecrets   []string
	TokenExpiresIn time.Duration
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if port := os.Getenv("SNAPPER_RPC_PORT"); port != "" {
		logger.Debug().Str("key", "SNAPPER_RPC_PORT").Str("source", "env").Msg("Overriding config value")
		cfg.RPCPort = port
	}
	if port := os.Getenv("SNAPPER_WEBSOCKET_PORT"); port != "" {
		logger.Debug().Str("key", "SNAPPER_WEBSOCKET_PORT").Str("source", "env").Msg("Overriding config value")
		cfg.WebSocketPort = port
	}
	if redisAddr := os.Getenv("SNAPPER_REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "SNAPPER_REDIS_ADDR").Str("source", "env").Msg("Overriding config value")
		cfg.Redis.Addr = redisAddr
	}
	if prefix := os.Getenv("SNAPPER_REDIS_PREFIX"); prefix != "" {
		logger.Debug().Str("key", "SNAPPER_REDIS_PREFIX").Str("source", "env").Msg("Overriding config value")
		cfg.Redis.Prefix = prefix
	}
	if secrets := os.Getenv("SNAPPER_TOKEN_SECRETS"); secrets != "" {
		logger.Debug().Str("key", "SNAPPER_TOKEN_SECRETS").Str("source", "env").Msg("Overriding config value")
		// Split by comma and trim spaces
		var clean []string
		for _, s := range strings.Split(secrets, ",") {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				clean = append(clean, trimmed)
			}
		}
		cfg.TokenSecrets = clean
	}

	// 2. Final Validation
	if cfg.RPCPort == "" {
		return nil, fmt.Errorf("SNAPPER_RPC_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		return nil, fmt.Errorf("SNAPPER_WEBSOCKET_PORT is not set in config or env var")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("SNAPPER_REDIS_ADDR is not set in config or env var")
	}
	if len(cfg.TokenSecrets) == 0 {
		return nil, fmt.Errorf("SNAPPER_TOKEN_SECRETS is not set in config or env var")
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

type YamlAuthConfig struct {
	TokenSecrets   []string `yaml:"token_secrets"`
	TokenExpiresIn string   `yaml:"token_expires_in"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode       string          `yaml:"run_mode"`
	RPCPort       string          `yaml:"rpc_port"`
	WebSocketPort string          `yaml:"websocket_port"`
	Redis         YamlRedisConfig `yaml:"redis"`
	Auth          YamlAuthConfig  `yaml:"auth"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base AppConfig struct. Stage 1 complete: the AppConfig exists, but
// without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	expiresIn := 24 * time.Hour
	if yamlCfg.Auth.TokenExpiresIn != "" {
		parsed, err := time.ParseDuration(yamlCfg.Auth.TokenExpiresIn)
		if err != nil {
			return nil, fmt.Errorf("invalid auth.token_expires_in: %w", err)
		}
		expiresIn = parsed
	}

	appCfg := &AppConfig{
		RunMode:        yamlCfg.RunMode,
		RPCPort:        yamlCfg.RPCPort,
		WebSocketPort:  yamlCfg.WebSocketPort,
		Redis:          yamlCfg.Redis,
		TokenSecrets:   yamlCfg.Auth.TokenSecrets,
		TokenExpiresIn: expiresIn,
	}

	logger.Debug().
		Str("rpc_port", appCfg.RPCPort).
		Str("websocket_port", appCfg.WebSocketPort).
		Str("redis_addr", appCfg.Redis.Addr).
		Msg("YAML config mapping complete")

	return appCfg, nil
}

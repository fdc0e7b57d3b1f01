// Package config loads the client configuration: gateway addresses, the
// reconnect policy, and timeouts. Layering is defaults < TOML file <
// PPCLIENT_ environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Gateway struct {
		BaseURL string `koanf:"base_url"` // REST gateway, e.g. http://localhost:8083
		WSPath  string `koanf:"ws_path"`  // realtime endpoint path, e.g. /ws/chat
	} `koanf:"gateway"`

	Reconnect struct {
		MaxAttempts int           `koanf:"max_attempts"`
		BaseDelay   time.Duration `koanf:"base_delay"`
		MaxDelay    time.Duration `koanf:"max_delay"`
	} `koanf:"reconnect"`

	Timeouts struct {
		Handshake time.Duration `koanf:"handshake"` // awaiting auth-success frame
		History   time.Duration `koanf:"history"`   // REST history fetch
	} `koanf:"timeouts"`

	Token struct {
		// Path of the credential file. Defaults under the home directory so a
		// login survives restarts; set to "" explicitly for in-memory only.
		Path string `koanf:"path"`
	} `koanf:"token"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"gateway.base_url":       "http://localhost:8083",
		"gateway.ws_path":        "/ws/chat",
		"reconnect.max_attempts": 5,
		"reconnect.base_delay":   "3s",
		"reconnect.max_delay":    "30s",
		"timeouts.handshake":     "5s",
		"timeouts.history":       "10s",
		"token.path":             defaultTokenPath(),
	}
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ppclient", "credential.json")
}

// Load reads configuration from configPath (optional) and the environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
	} else {
		for _, path := range []string{"./ppclient.toml", "$HOME/.ppclient.toml"} {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider("PPCLIENT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PPCLIENT_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the knobs the connection core cannot guess at runtime.
func Validate(cfg *Config) error {
	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base_url is required")
	}
	if cfg.Gateway.WSPath == "" {
		return fmt.Errorf("gateway ws_path is required")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max_attempts must be >= 0")
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect base_delay must be positive")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect max_delay must be >= base_delay")
	}
	if cfg.Timeouts.Handshake <= 0 || cfg.Timeouts.History <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

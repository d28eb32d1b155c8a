package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PANEL_"

type Config struct {
	Server ServerConfig `koanf:"server"`
	Log    LogConfig    `koanf:"log"`
	Auth   AuthConfig   `koanf:"auth"`
}

type ServerConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	Environment string `koanf:"environment"`
	ClientURL   string `koanf:"clienturl"`
}

// IsProduction reports whether the server runs with production settings.
func (s ServerConfig) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

// CORSOrigins returns the browser origins allowed to call the API. Outside
// production, or when no client URL is configured, any origin is allowed.
func (s ServerConfig) CORSOrigins() []string {
	if s.IsProduction() && s.ClientURL != "" {
		return []string{s.ClientURL}
	}
	return []string{"*"}
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuthConfig struct {
	JWKS         JWKSConfig    `koanf:"jwks"`
	Leeway       time.Duration `koanf:"leeway"`
	RequireExp   bool          `koanf:"requireexp"`
	KeyCacheSize int           `koanf:"keycachesize"`
}

type JWKSConfig struct {
	URL     string        `koanf:"url"`
	TTL     time.Duration `koanf:"ttl"`
	Timeout time.Duration `koanf:"timeout"`
	// UnknownKidRefresh is the minimum key set age before an unknown kid
	// forces a refresh. Zero disables it.
	UnknownKidRefresh time.Duration `koanf:"unknownkidrefresh"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.host":                 "0.0.0.0",
		"server.port":                 3001,
		"server.environment":          "development",
		"server.clienturl":            "",
		"log.level":                   "info",
		"log.format":                  "json",
		"auth.jwks.url":               "",
		"auth.jwks.ttl":               "1h",
		"auth.jwks.timeout":           "10s",
		"auth.jwks.unknownkidrefresh": "0s",
		"auth.leeway":                 "0s",
		"auth.requireexp":             false,
		"auth.keycachesize":           64,
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// PANEL_AUTH_JWKS_URL -> auth.jwks.url
	_ = k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"_", ".",
		)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

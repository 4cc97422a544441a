// Package config loads this node's configuration in increasing order of
// precedence: built-in defaults, an optional YAML file, a .env file
// merged into the process environment, and the process environment
// itself.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/netdata/go.d.plugin/pkg/iprange"

	"github.com/relaycast/ingestd/internal/rtmp"
)

// EnvPrefix is the prefix this node's environment variables carry, e.g.
// INGESTD_RTMP_PORT.
const EnvPrefix = "INGESTD"

// Config is the immutable, fully resolved configuration used to
// construct the Listener, Store, Notify, and Control API components.
type Config struct {
	RTMPBindAddress string `koanf:"rtmp_bind_address"`
	RTMPPort        int    `koanf:"rtmp_port"`
	FilePort        int    `koanf:"file_port"`

	HLSDir string `koanf:"hls_dir"`
	LogDir string `koanf:"log_dir"`
	DBPath string `koanf:"db_path"`

	FFmpegPath string `koanf:"ffmpeg_path"`

	WebhookURL    string `koanf:"webhook_url"`
	WebhookSecret string `koanf:"webhook_secret"`

	RedisAddr    string `koanf:"redis_addr"`
	RedisChannel string `koanf:"redis_channel"`

	ControlBindAddress string `koanf:"control_bind_address"`

	MaxConnectionsPerIP int    `koanf:"max_connections_per_ip"`
	IPAllowlist         string `koanf:"ip_allowlist"`

	Debug bool `koanf:"debug"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"rtmp_bind_address":      "0.0.0.0",
		"rtmp_port":              0,
		"file_port":              0,
		"hls_dir":                "./data/hls",
		"log_dir":                "./data/logs",
		"db_path":                "./data/ingestd.db",
		"ffmpeg_path":            "ffmpeg",
		"control_bind_address":   "127.0.0.1:8899",
		"max_connections_per_ip": 4,
		"debug":                  false,
	}
}

// Load builds a Config from, in increasing precedence: built-in
// defaults, yamlPath (if non-empty and present), a ".env" file in the
// working directory merged into the process environment, and the
// process environment itself (every INGESTD_* variable).
func Load(yamlPath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if yamlPath != "" {
		if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load yaml %s: %w", yamlPath, err)
		}
	}

	// godotenv.Load merges .env into the process environment; a missing
	// file is not an error, since .env is optional.
	_ = godotenv.Load()

	transform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix+"_")
		return strings.ToLower(s)
	}
	if err := k.Load(env.Provider(EnvPrefix+"_", ".", transform), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// ParseExemptRanges parses the configured IP allowlist into the ranges
// Admission expects.
func (c Config) ParseExemptRanges() []iprange.Range {
	return rtmp.ParseExemptRanges(c.IPAllowlist)
}

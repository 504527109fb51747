package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for config files that are neither TOML nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config holds the telemetry server configuration.
type Config struct {
	HTTP HTTPConfig `toml:"http" yaml:"http"`
	UDP  UDPConfig  `toml:"udp" yaml:"udp"`
	MDNS MDNSConfig `toml:"mdns" yaml:"mdns"`
	Log  LogConfig  `toml:"log" yaml:"log"`
}

// HTTPConfig holds control plane settings.
type HTTPConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
	// AllowedOrigins extends the localhost origins permitted by CORS.
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

// UDPConfig holds data plane settings.
type UDPConfig struct {
	Port             int           `toml:"port" yaml:"port"`
	Period           time.Duration `toml:"period" yaml:"period"`
	Encoding         string        `toml:"encoding" yaml:"encoding"`
	FailureThreshold int           `toml:"failure_threshold" yaml:"failure_threshold"`
}

// MDNSConfig controls zeroconf advertisement of the control plane.
type MDNSConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Instance  string `toml:"instance" yaml:"instance"`
	Interface string `toml:"interface" yaml:"interface"`
}

// LogConfig controls log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr: ":" + DefaultPort,
		},
		UDP: UDPConfig{
			Port:             DefaultUDPPort,
			Period:           TickPeriod,
			Encoding:         DefaultCodec,
			FailureThreshold: DefaultFailureThreshold,
		},
		MDNS: MDNSConfig{
			Instance: MDNSInstance,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load builds a Config from defaults, an optional file and GRAPHER_*
// environment variables, in that order of precedence (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile decodes a TOML or YAML file over cfg.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return err
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	// PORT is honoured for parity with container platforms.
	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	if addr := os.Getenv("GRAPHER_HTTP_ADDR"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	cfg.UDP.Port = int(getEnvInt64("GRAPHER_UDP_PORT", int64(cfg.UDP.Port)))
	cfg.UDP.Period = getEnvDuration("GRAPHER_TICK_PERIOD", cfg.UDP.Period)
	if enc := os.Getenv("GRAPHER_UDP_ENCODING"); enc != "" {
		cfg.UDP.Encoding = strings.ToLower(enc)
	}
	cfg.UDP.FailureThreshold = int(getEnvInt64("GRAPHER_FAILURE_THRESHOLD", int64(cfg.UDP.FailureThreshold)))
	if v := os.Getenv("GRAPHER_MDNS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.MDNS.Enabled = enabled
		} else {
			log.Printf("Invalid value for GRAPHER_MDNS_ENABLED: %q, keeping %v", v, cfg.MDNS.Enabled)
		}
	}
	if file := os.Getenv("GRAPHER_LOG_FILE"); file != "" {
		cfg.Log.File = file
	}
}

// Validate checks that the configuration can be served.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr must not be empty")
	}
	if c.UDP.Port <= 0 || c.UDP.Port > 65535 {
		return fmt.Errorf("udp.port %d is outside range [1, 65535]", c.UDP.Port)
	}
	if c.UDP.Period <= 0 || c.UDP.Period > MaxTickPeriod {
		return fmt.Errorf("udp.period %v is outside range (0, %v]", c.UDP.Period, MaxTickPeriod)
	}
	switch c.UDP.Encoding {
	case "json", "cbor":
	default:
		return fmt.Errorf("invalid udp.encoding %q, must be one of: [json cbor]", c.UDP.Encoding)
	}
	if c.UDP.FailureThreshold < 1 {
		return fmt.Errorf("udp.failure_threshold must be >= 1, got %d", c.UDP.FailureThreshold)
	}
	return nil
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

// getEnvDuration gets a duration from environment variable or returns default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %v", key, val, defaultValue)
	}
	return defaultValue
}

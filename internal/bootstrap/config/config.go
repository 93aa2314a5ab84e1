// Package config loads daemon configuration from an optional YAML file and
// BIOSIGN_* environment overrides. Secrets are read from the environment only.
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
)

const (
	KeystoreFile   = "file"
	KeystoreMemory = "memory"

	SensorAuto     = "auto"
	SensorScripted = "scripted"
	SensorConsole  = "console"

	AttemptBiometric = "biometric"
	AttemptPasscode  = "passcode"
	AttemptCancel    = "cancel"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DataDir      string
	DeviceSecret string
	Platform     PlatformConfig
	Keystore     KeystoreConfig
	Prompt       PromptConfig
	Sensor       SensorConfig
	RPC          RPCConfig
	Log          LogConfig
}

type PlatformConfig struct {
	Level int
}

type KeystoreConfig struct {
	Backend    string
	Dir        string
	Passphrase string
}

type PromptConfig struct {
	Timeout time.Duration
}

type SensorConfig struct {
	Mode                  string
	AutoAttempt           string
	AutoPasscode          string
	Enroll                []string
	SilentWindow          time.Duration
	MaxCredentialAttempts int
	Admin                 bool
}

type RPCConfig struct {
	Addr           string
	Token          string
	RequireToken   bool
	RateLimitRPS   float64
	RateLimitBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

func Default() Config {
	return Config{
		DataDir:  DefaultDataDir(),
		Platform: PlatformConfig{Level: 34},
		Keystore: KeystoreConfig{Backend: KeystoreFile},
		Prompt:   PromptConfig{Timeout: 60 * time.Second},
		Sensor: SensorConfig{
			Mode:                  SensorAuto,
			AutoAttempt:           AttemptBiometric,
			Enroll:                []string{"default"},
			SilentWindow:          10 * time.Second,
			MaxCredentialAttempts: 10,
		},
		RPC: RPCConfig{
			Addr:           "127.0.0.1:8787",
			RequireToken:   true,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "biosign")
	}
	return ".biosign"
}

// fileConfig mirrors the YAML layout. Pointers distinguish "unset" from zero.
type fileConfig struct {
	DataDir  string `yaml:"dataDir"`
	Platform struct {
		Level int `yaml:"level"`
	} `yaml:"platform"`
	Keystore struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
	} `yaml:"keystore"`
	Prompt struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"prompt"`
	Sensor struct {
		Mode                  string        `yaml:"mode"`
		AutoAttempt           string        `yaml:"autoAttempt"`
		Enroll                []string      `yaml:"enroll"`
		SilentWindow          time.Duration `yaml:"silentWindow"`
		MaxCredentialAttempts int           `yaml:"maxCredentialAttempts"`
		Admin                 *bool         `yaml:"admin"`
	} `yaml:"sensor"`
	RPC struct {
		Addr           string  `yaml:"addr"`
		RequireToken   *bool   `yaml:"requireToken"`
		RateLimitRPS   float64 `yaml:"rateLimitRPS"`
		RateLimitBurst int     `yaml:"rateLimitBurst"`
	} `yaml:"rpc"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadFromPath reads configPath, or the first default candidate that
// exists, merges it over Default and applies env overrides. Only an
// explicitly named file that cannot be read or parsed is an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{"configs/biosign.yaml", "configs/config.yaml"}
	if configPath != "" {
		candidates = []string{configPath}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, err
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
			}
			continue
		}
		merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if cfg.Keystore.Dir == "" {
		cfg.Keystore.Dir = filepath.Join(cfg.DataDir, "keys")
	}
	return cfg, cfg.Validate()
}

func merge(dst *Config, src fileConfig) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Platform.Level != 0 {
		dst.Platform.Level = src.Platform.Level
	}
	if src.Keystore.Backend != "" {
		dst.Keystore.Backend = src.Keystore.Backend
	}
	if src.Keystore.Dir != "" {
		dst.Keystore.Dir = src.Keystore.Dir
	}
	if src.Prompt.Timeout != 0 {
		dst.Prompt.Timeout = src.Prompt.Timeout
	}
	if src.Sensor.Mode != "" {
		dst.Sensor.Mode = src.Sensor.Mode
	}
	if src.Sensor.AutoAttempt != "" {
		dst.Sensor.AutoAttempt = src.Sensor.AutoAttempt
	}
	if src.Sensor.Enroll != nil {
		dst.Sensor.Enroll = src.Sensor.Enroll
	}
	if src.Sensor.SilentWindow != 0 {
		dst.Sensor.SilentWindow = src.Sensor.SilentWindow
	}
	if src.Sensor.MaxCredentialAttempts != 0 {
		dst.Sensor.MaxCredentialAttempts = src.Sensor.MaxCredentialAttempts
	}
	if src.Sensor.Admin != nil {
		dst.Sensor.Admin = *src.Sensor.Admin
	}
	if src.RPC.Addr != "" {
		dst.RPC.Addr = src.RPC.Addr
	}
	if src.RPC.RequireToken != nil {
		dst.RPC.RequireToken = *src.RPC.RequireToken
	}
	if src.RPC.RateLimitRPS != 0 {
		dst.RPC.RateLimitRPS = src.RPC.RateLimitRPS
	}
	if src.RPC.RateLimitBurst != 0 {
		dst.RPC.RateLimitBurst = src.RPC.RateLimitBurst
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func ApplyEnvOverrides(cfg *Config) {
	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	setString("BIOSIGN_DATA_DIR", &cfg.DataDir)
	setString("BIOSIGN_DEVICE_SECRET", &cfg.DeviceSecret)
	setString("BIOSIGN_KEYSTORE_BACKEND", &cfg.Keystore.Backend)
	setString("BIOSIGN_KEYSTORE_DIR", &cfg.Keystore.Dir)
	setString("BIOSIGN_KEYSTORE_PASSPHRASE", &cfg.Keystore.Passphrase)
	setString("BIOSIGN_SENSOR_MODE", &cfg.Sensor.Mode)
	setString("BIOSIGN_SENSOR_AUTO_ATTEMPT", &cfg.Sensor.AutoAttempt)
	setString("BIOSIGN_SENSOR_PASSCODE", &cfg.Sensor.AutoPasscode)
	setString("BIOSIGN_RPC_ADDR", &cfg.RPC.Addr)
	setString("BIOSIGN_RPC_TOKEN", &cfg.RPC.Token)
	setString("BIOSIGN_LOG_LEVEL", &cfg.Log.Level)
	setString("BIOSIGN_LOG_FORMAT", &cfg.Log.Format)

	if raw := strings.TrimSpace(os.Getenv("BIOSIGN_PLATFORM_LEVEL")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Platform.Level = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("BIOSIGN_PROMPT_TIMEOUT")); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.Prompt.Timeout = v
		}
	}
	if v, ok := parseBoolEnv("BIOSIGN_SENSOR_ADMIN"); ok {
		cfg.Sensor.Admin = v
	}
	if v, ok := parseBoolEnv("BIOSIGN_RPC_REQUIRE_TOKEN"); ok {
		cfg.RPC.RequireToken = v
	}
}

func (c Config) Validate() error {
	if c.Platform.Level <= 0 {
		return fmt.Errorf("%w: platform.level must be positive", ErrInvalidConfig)
	}
	switch c.Keystore.Backend {
	case KeystoreFile, KeystoreMemory:
	default:
		return fmt.Errorf("%w: unknown keystore backend %q", ErrInvalidConfig, c.Keystore.Backend)
	}
	switch c.Sensor.Mode {
	case SensorAuto, SensorScripted, SensorConsole:
	default:
		return fmt.Errorf("%w: unknown sensor mode %q", ErrInvalidConfig, c.Sensor.Mode)
	}
	switch c.Sensor.AutoAttempt {
	case AttemptBiometric, AttemptPasscode, AttemptCancel:
	default:
		return fmt.Errorf("%w: unknown sensor auto attempt %q", ErrInvalidConfig, c.Sensor.AutoAttempt)
	}
	if c.Prompt.Timeout <= 0 {
		return fmt.Errorf("%w: prompt.timeout must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RPC.Addr) == "" {
		return fmt.Errorf("%w: rpc.addr is required", ErrInvalidConfig)
	}
	if c.RPC.RateLimitRPS < 0 || c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("%w: rpc rate limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

func parseBoolEnv(name string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

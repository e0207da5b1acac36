package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultSaveDelaySeconds     = 5
	DefaultSendDelaySeconds     = 2
	DefaultSweepPeriodMs        = 500
	DefaultFlushParallelism     = 4
	DefaultRemoteTimeoutSeconds = 10
	DefaultOutboundVersion      = 0.8
	DefaultAuditSchedule        = "0 */5 * * * *"
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 18791
	DefaultBufSize              = 256
	DefaultServiceName          = "avatard"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AVATARD_"
)

type Config struct {
	Appearance AppearanceConfig `json:"appearance" envPrefix:"APPEARANCE_"`
	Store      StoreConfig      `json:"store" envPrefix:"STORE_"`
	Observer   ObserverConfig   `json:"observer" envPrefix:"OBSERVER_"`
	Telemetry  TelemetryConfig  `json:"telemetry" envPrefix:"TELEMETRY_"`
}

type AppearanceConfig struct {
	SaveDelaySeconds     int     `json:"saveDelaySeconds" env:"SAVE_DELAY_SECONDS"`
	SendDelaySeconds     int     `json:"sendDelaySeconds" env:"SEND_DELAY_SECONDS"`
	SweepPeriodMs        int     `json:"sweepPeriodMs" env:"SWEEP_PERIOD_MS"`
	ReuseTextures        bool    `json:"reuseTextures" env:"REUSE_TEXTURES"`
	FlushParallelism     int     `json:"flushParallelism" env:"FLUSH_PARALLELISM"`
	RemoteTimeoutSeconds int     `json:"remoteTimeoutSeconds" env:"REMOTE_TIMEOUT_SECONDS"`
	OutboundVersion      float64 `json:"outboundVersion" env:"OUTBOUND_VERSION"`
	AuditSchedule        string  `json:"auditSchedule" env:"AUDIT_SCHEDULE"`
}

func (c AppearanceConfig) SaveDelay() time.Duration {
	return time.Duration(c.SaveDelaySeconds) * time.Second
}

func (c AppearanceConfig) SendDelay() time.Duration {
	return time.Duration(c.SendDelaySeconds) * time.Second
}

func (c AppearanceConfig) SweepPeriod() time.Duration {
	return time.Duration(c.SweepPeriodMs) * time.Millisecond
}

func (c AppearanceConfig) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSeconds) * time.Second
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty" env:"DB_PATH"`
}

type ObserverConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Host    string `json:"host" env:"HOST"`
	Port    int    `json:"port" env:"PORT"`
	BufSize int    `json:"bufSize,omitempty" env:"BUF_SIZE"`
}

type TelemetryConfig struct {
	Enabled     bool    `json:"enabled" env:"ENABLED"`
	Endpoint    string  `json:"endpoint,omitempty" env:"ENDPOINT"`
	Insecure    bool    `json:"insecure,omitempty" env:"INSECURE"`
	ServiceName string  `json:"serviceName,omitempty" env:"SERVICE_NAME"`
	SampleRate  float64 `json:"sampleRate,omitempty" env:"SAMPLE_RATE"`
}

func DefaultConfig() *Config {
	return &Config{
		Appearance: AppearanceConfig{
			SaveDelaySeconds:     DefaultSaveDelaySeconds,
			SendDelaySeconds:     DefaultSendDelaySeconds,
			SweepPeriodMs:        DefaultSweepPeriodMs,
			ReuseTextures:        true,
			FlushParallelism:     DefaultFlushParallelism,
			RemoteTimeoutSeconds: DefaultRemoteTimeoutSeconds,
			OutboundVersion:      DefaultOutboundVersion,
			AuditSchedule:        DefaultAuditSchedule,
		},
		Store: StoreConfig{
			DBPath: DefaultDBPath(),
		},
		Observer: ObserverConfig{
			Enabled: false,
			Host:    DefaultHost,
			Port:    DefaultPort,
			BufSize: DefaultBufSize,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
			SampleRate:  1.0,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".avatard")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DefaultDBPath is where the SQLite database lives unless configured.
func DefaultDBPath() string {
	return filepath.Join(ConfigDir(), "data", "avatard.db")
}

// LoadConfig reads the config file over the defaults, then applies
// AVATARD_* environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	a := &c.Appearance
	if a.SaveDelaySeconds <= 0 {
		a.SaveDelaySeconds = DefaultSaveDelaySeconds
	}
	if a.SendDelaySeconds <= 0 {
		a.SendDelaySeconds = DefaultSendDelaySeconds
	}
	if a.SweepPeriodMs <= 0 {
		a.SweepPeriodMs = DefaultSweepPeriodMs
	}
	if a.FlushParallelism <= 0 {
		a.FlushParallelism = DefaultFlushParallelism
	}
	if a.RemoteTimeoutSeconds <= 0 {
		a.RemoteTimeoutSeconds = DefaultRemoteTimeoutSeconds
	}
	if a.AuditSchedule == "" {
		a.AuditSchedule = DefaultAuditSchedule
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = DefaultDBPath()
	}
	if c.Observer.Host == "" {
		c.Observer.Host = DefaultHost
	}
	if c.Observer.Port == 0 {
		c.Observer.Port = DefaultPort
	}
	if c.Observer.BufSize <= 0 {
		c.Observer.BufSize = DefaultBufSize
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

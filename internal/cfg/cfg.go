// Package cfg loads engine settings from a YAML file (CONFIG_FILE) with
// environment variable overrides, falling back to environment-only
// configuration.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"profitguard/internal/common"
)

type Settings struct {
	Key, Secret string
	BaseURL     string
	WsURL       string
	Symbols     []string

	Ping        time.Duration
	RESTTimeout time.Duration
	DataPath    string
	MetricsPort int
	DryRun      bool

	StaleTickBound    time.Duration
	ReconcileInterval time.Duration
	MaxRetries        int
	BackoffBase       time.Duration

	TrailFraction    float64
	Milestones       []MilestoneConfig
	FatalWindow      time.Duration
	FatalThreshold   int
	ConnFailureLimit int

	SymbolConfigs map[string]SymbolConfig
}

// MilestoneConfig is one partial-exit threshold.
type MilestoneConfig struct {
	R        float64 `yaml:"r"`
	Fraction float64 `yaml:"fraction"`
}

// SymbolConfig overrides protection parameters for one symbol.
type SymbolConfig struct {
	TrailFraction float64 `yaml:"trailFraction"`
}

type ConfigFile struct {
	API struct {
		Key     string `yaml:"key"`
		Secret  string `yaml:"secret"`
		BaseURL string `yaml:"baseURL"`
		WsURL   string `yaml:"wsURL"`
	} `yaml:"api"`

	Protection struct {
		Symbols        []string          `yaml:"symbols"`
		TrailFraction  float64           `yaml:"trailFraction"`
		Milestones     []MilestoneConfig `yaml:"milestones"`
		StaleTickBound string            `yaml:"staleTickBound"`
		MaxRetries     *int              `yaml:"maxRetries"` // pointer: explicit 0 means no retries
		BackoffBase    string            `yaml:"backoffBase"`
		DryRun         bool              `yaml:"dryRun"`
	} `yaml:"protection"`

	Recovery struct {
		FatalWindow      string `yaml:"fatalWindow"`
		FatalThreshold   *int   `yaml:"fatalThreshold"`
		ConnFailureLimit int    `yaml:"connFailureLimit"`
	} `yaml:"recovery"`

	SymbolConfig map[string]SymbolConfig `yaml:"symbolConfig"`

	System struct {
		DataPath          string `yaml:"dataPath"`
		PingInterval      string `yaml:"pingInterval"`
		MetricsPort       int    `yaml:"metricsPort"`
		RESTTimeout       string `yaml:"restTimeout"`
		ReconcileInterval string `yaml:"reconcileInterval"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	key := getEnvOrDefault(common.EnvAPIKey, config.API.Key)
	secret := getEnvOrDefault(common.EnvSecretKey, config.API.Secret)
	if key == "" || secret == "" {
		return Settings{}, fmt.Errorf("API key and secret are required")
	}

	settings := Settings{
		Key:               key,
		Secret:            secret,
		BaseURL:           getEnvOrDefault(common.EnvBaseURL, config.API.BaseURL),
		WsURL:             getEnvOrDefault(common.EnvWsURL, config.API.WsURL),
		Symbols:           getSymbolsFromEnvOrConfig(config.Protection.Symbols),
		Ping:              parseDurationOrDefault(config.System.PingInterval, 15*time.Second),
		RESTTimeout:       parseDurationOrDefault(config.System.RESTTimeout, 5*time.Second),
		DataPath:          getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		MetricsPort:       getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort),
		DryRun:            getBoolFromEnvOrConfig(common.EnvDryRun, config.Protection.DryRun),
		StaleTickBound:    parseDurationOrDefault(config.Protection.StaleTickBound, 2*time.Second),
		ReconcileInterval: parseDurationOrDefault(config.System.ReconcileInterval, time.Minute),
		MaxRetries:        getIntFromEnvConfigOrDefault(common.EnvMaxRetries, config.Protection.MaxRetries, 3),
		BackoffBase:       parseDurationOrDefault(config.Protection.BackoffBase, time.Second),
		TrailFraction:     getFloatFromEnvOrConfig(common.EnvTrailFraction, config.Protection.TrailFraction),
		Milestones:        config.Protection.Milestones,
		FatalWindow:       parseDurationOrDefault(config.Recovery.FatalWindow, 5*time.Minute),
		FatalThreshold:    getIntFromEnvConfigOrDefault(common.EnvFatalThreshold, config.Recovery.FatalThreshold, 3),
		ConnFailureLimit:  config.Recovery.ConnFailureLimit,
		SymbolConfigs:     config.SymbolConfig,
	}
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	key, err := getEnvRequired(common.EnvAPIKey)
	if err != nil {
		return Settings{}, err
	}
	secret, err := getEnvRequired(common.EnvSecretKey)
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{
		Key:               key,
		Secret:            secret,
		BaseURL:           getEnvOrDefault(common.EnvBaseURL, "https://api.example.com"),
		WsURL:             getEnvOrDefault(common.EnvWsURL, "wss://stream.example.com/private"),
		Symbols:           splitOrDefault(os.Getenv(common.EnvSymbols), []string{"BTCUSDT"}),
		Ping:              getDurationOrDefault(common.EnvPingInterval, 15*time.Second),
		RESTTimeout:       getDurationOrDefault(common.EnvRESTTimeout, 5*time.Second),
		DataPath:          os.Getenv(common.EnvDataPath), // optional
		MetricsPort:       getIntOrDefault(common.EnvMetricsPort, 8080),
		DryRun:            getBoolOrDefault(common.EnvDryRun, false),
		StaleTickBound:    getDurationOrDefault(common.EnvStaleTickBound, 2*time.Second),
		ReconcileInterval: getDurationOrDefault(common.EnvReconcileInterval, time.Minute),
		MaxRetries:        getIntOrDefault(common.EnvMaxRetries, 3),
		BackoffBase:       getDurationOrDefault(common.EnvBackoffBase, time.Second),
		TrailFraction:     getFloatOrDefault(common.EnvTrailFraction, 0.5),
		FatalWindow:       getDurationOrDefault(common.EnvFatalWindow, 5*time.Minute),
		FatalThreshold:    getIntOrDefault(common.EnvFatalThreshold, 3),
		ConnFailureLimit:  getIntOrDefault(common.EnvConnFailureLimit, 10),
		SymbolConfigs:     make(map[string]SymbolConfig),
	}
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// applyDefaults fills values whose zero form is never meaningful. MaxRetries
// and FatalThreshold are resolved at load time instead: an explicit zero is
// a deliberate setting, not an absence.
func applyDefaults(s *Settings) {
	if s.BaseURL == "" {
		s.BaseURL = "https://api.example.com"
	}
	if s.WsURL == "" {
		s.WsURL = "wss://stream.example.com/private"
	}
	if s.MetricsPort == 0 {
		s.MetricsPort = 8080
	}
	if s.ConnFailureLimit == 0 {
		s.ConnFailureLimit = 10
	}
	if s.SymbolConfigs == nil {
		s.SymbolConfigs = make(map[string]SymbolConfig)
	}
}

// TrailFractionFor returns the trail fraction for a symbol, falling back to
// the global setting.
func (s *Settings) TrailFractionFor(symbol string) float64 {
	if sc, ok := s.SymbolConfigs[symbol]; ok && sc.TrailFraction > 0 {
		return sc.TrailFraction
	}
	return s.TrailFraction
}

func getEnvRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDurationOrDefault(v string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}

func getSymbolsFromEnvOrConfig(configSymbols []string) []string {
	if env := os.Getenv(common.EnvSymbols); env != "" {
		return strings.Split(env, ",")
	}
	if len(configSymbols) > 0 {
		return configSymbols
	}
	return []string{"BTCUSDT"}
}

// getIntFromEnvConfigOrDefault resolves env over YAML over the default,
// preserving an explicit zero at either layer.
func getIntFromEnvConfigOrDefault(key string, configValue *int, defaultValue int) int {
	if env, ok := os.LookupEnv(key); ok && env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != nil {
		return *configValue
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return configValue
}

func getFloatFromEnvOrConfig(key string, configValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	return configValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

// validateSettings performs range checks on every configured value.
func validateSettings(s *Settings) error {
	if s.Key == "" || s.Secret == "" {
		return fmt.Errorf("API key and secret are required")
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("at least one symbol must be specified")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if s.WsURL == "" {
		return fmt.Errorf("WebSocket URL cannot be empty")
	}
	if s.Ping < time.Second || s.Ping > 5*time.Minute {
		return fmt.Errorf("ping interval must be between 1s and 5m, got %v", s.Ping)
	}
	if s.RESTTimeout < 100*time.Millisecond || s.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 100ms and 1m, got %v", s.RESTTimeout)
	}
	if s.MetricsPort < 1024 || s.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", s.MetricsPort)
	}
	if s.StaleTickBound < 10*time.Millisecond || s.StaleTickBound > time.Minute {
		return fmt.Errorf("stale tick bound must be between 10ms and 1m, got %v", s.StaleTickBound)
	}
	if s.ReconcileInterval < time.Second || s.ReconcileInterval > time.Hour {
		return fmt.Errorf("reconcile interval must be between 1s and 1h, got %v", s.ReconcileInterval)
	}
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		return fmt.Errorf("max retries must be between 0 and 10, got %d", s.MaxRetries)
	}
	if s.BackoffBase < 10*time.Millisecond || s.BackoffBase > 30*time.Second {
		return fmt.Errorf("backoff base must be between 10ms and 30s, got %v", s.BackoffBase)
	}
	if s.TrailFraction < 0 || s.TrailFraction >= 1 {
		return fmt.Errorf("trail fraction must be in [0, 1), got %f", s.TrailFraction)
	}
	if s.FatalThreshold <= 0 || s.FatalThreshold > 100 {
		return fmt.Errorf("fatal threshold must be between 1 and 100, got %d", s.FatalThreshold)
	}
	if s.ConnFailureLimit <= 0 || s.ConnFailureLimit > 1000 {
		return fmt.Errorf("connection failure limit must be between 1 and 1000, got %d", s.ConnFailureLimit)
	}

	var total float64
	lastR := 0.0
	for _, m := range s.Milestones {
		if m.R <= lastR {
			return fmt.Errorf("milestones must have strictly ascending R values")
		}
		if m.Fraction <= 0 || m.Fraction > 1 {
			return fmt.Errorf("milestone fraction must be in (0, 1], got %f", m.Fraction)
		}
		total += m.Fraction
		lastR = m.R
	}
	if len(s.Milestones) > 0 && total > 1+1e-9 {
		return fmt.Errorf("milestone fractions sum to %f, must not exceed 1", total)
	}

	for symbol, sc := range s.SymbolConfigs {
		if sc.TrailFraction < 0 || sc.TrailFraction >= 1 {
			return fmt.Errorf("symbol %s: trail fraction must be in [0, 1), got %f", symbol, sc.TrailFraction)
		}
	}
	return nil
}

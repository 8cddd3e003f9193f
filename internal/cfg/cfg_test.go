package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"profitguard/internal/common"
)

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv(common.EnvConfigFile, "")
	t.Setenv(common.EnvAPIKey, "test-key")
	t.Setenv(common.EnvSecretKey, "test-secret")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setCredentials(t)

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-key", s.Key)
	assert.Equal(t, []string{"BTCUSDT"}, s.Symbols)
	assert.Equal(t, 2*time.Second, s.StaleTickBound)
	assert.Equal(t, time.Minute, s.ReconcileInterval)
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, time.Second, s.BackoffBase)
	assert.Equal(t, 0.5, s.TrailFraction)
	assert.Equal(t, 5*time.Minute, s.FatalWindow)
	assert.Equal(t, 3, s.FatalThreshold)
	assert.Equal(t, 10, s.ConnFailureLimit)
	assert.Equal(t, 8080, s.MetricsPort)
	assert.False(t, s.DryRun)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	setCredentials(t)
	t.Setenv(common.EnvSymbols, "BTCUSDT,ETHUSDT")
	t.Setenv(common.EnvTrailFraction, "0.25")
	t.Setenv(common.EnvMaxRetries, "5")
	t.Setenv(common.EnvBackoffBase, "500ms")
	t.Setenv(common.EnvDryRun, "true")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Symbols)
	assert.Equal(t, 0.25, s.TrailFraction)
	assert.Equal(t, 5, s.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, s.BackoffBase)
	assert.True(t, s.DryRun)
}

func TestLoadExplicitZeroMaxRetriesFromEnv(t *testing.T) {
	setCredentials(t)
	t.Setenv(common.EnvMaxRetries, "0")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, s.MaxRetries, "an explicit zero disables retries, not remapped to the default")
}

func TestLoadExplicitZeroMaxRetriesFromYAML(t *testing.T) {
	yamlContent := `
api:
  key: yaml-key
  secret: yaml-secret
protection:
  maxRetries: 0
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	t.Setenv(common.EnvConfigFile, path)
	t.Setenv(common.EnvAPIKey, "")
	t.Setenv(common.EnvSecretKey, "")
	t.Setenv(common.EnvMaxRetries, "")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, s.MaxRetries)
	assert.Equal(t, 3, s.FatalThreshold, "absent fatal threshold still defaults")
}

func TestLoadMissingCredentials(t *testing.T) {
	t.Setenv(common.EnvConfigFile, "")
	t.Setenv(common.EnvAPIKey, "")
	t.Setenv(common.EnvSecretKey, "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), common.EnvAPIKey)
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
api:
  key: yaml-key
  secret: yaml-secret
  baseURL: https://api.test.local
  wsURL: wss://stream.test.local
protection:
  symbols: [BTCUSDT, SOLUSDT]
  trailFraction: 0.3
  milestones:
    - r: 2
      fraction: 0.5
    - r: 3
      fraction: 0.25
    - r: 4
      fraction: 0.25
  staleTickBound: 1s
  maxRetries: 4
  backoffBase: 2s
recovery:
  fatalWindow: 10m
  fatalThreshold: 5
  connFailureLimit: 20
symbolConfig:
  SOLUSDT:
    trailFraction: 0.6
system:
  dataPath: /tmp/pg-test
  pingInterval: 30s
  metricsPort: 9091
  restTimeout: 3s
  reconcileInterval: 30s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	t.Setenv(common.EnvConfigFile, path)
	t.Setenv(common.EnvAPIKey, "")
	t.Setenv(common.EnvSecretKey, "")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "yaml-key", s.Key)
	assert.Equal(t, "https://api.test.local", s.BaseURL)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, s.Symbols)
	assert.Equal(t, 0.3, s.TrailFraction)
	require.Len(t, s.Milestones, 3)
	assert.Equal(t, 2.0, s.Milestones[0].R)
	assert.Equal(t, 0.5, s.Milestones[0].Fraction)
	assert.Equal(t, time.Second, s.StaleTickBound)
	assert.Equal(t, 4, s.MaxRetries)
	assert.Equal(t, 2*time.Second, s.BackoffBase)
	assert.Equal(t, 10*time.Minute, s.FatalWindow)
	assert.Equal(t, 5, s.FatalThreshold)
	assert.Equal(t, 20, s.ConnFailureLimit)
	assert.Equal(t, 9091, s.MetricsPort)
	assert.Equal(t, 30*time.Second, s.ReconcileInterval)
	assert.Equal(t, 0.6, s.TrailFractionFor("SOLUSDT"))
	assert.Equal(t, 0.3, s.TrailFractionFor("BTCUSDT"))
}

func TestLoadYAMLEnvTakesPrecedence(t *testing.T) {
	yamlContent := `
api:
  key: yaml-key
  secret: yaml-secret
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	t.Setenv(common.EnvConfigFile, path)
	t.Setenv(common.EnvAPIKey, "env-key")
	t.Setenv(common.EnvSecretKey, "")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-key", s.Key)
	assert.Equal(t, "yaml-secret", s.Secret)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	t.Setenv(common.EnvConfigFile, "/nonexistent/config.yaml")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateSettings(t *testing.T) {
	valid := func() Settings {
		return Settings{
			Key:               "k",
			Secret:            "s",
			BaseURL:           "https://api.test.local",
			WsURL:             "wss://stream.test.local",
			Symbols:           []string{"BTCUSDT"},
			Ping:              15 * time.Second,
			RESTTimeout:       5 * time.Second,
			MetricsPort:       8080,
			StaleTickBound:    2 * time.Second,
			ReconcileInterval: time.Minute,
			MaxRetries:        3,
			BackoffBase:       time.Second,
			TrailFraction:     0.5,
			FatalThreshold:    3,
			ConnFailureLimit:  10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"valid", func(*Settings) {}, ""},
		{"no symbols", func(s *Settings) { s.Symbols = nil }, "at least one symbol"},
		{"ping too small", func(s *Settings) { s.Ping = 100 * time.Millisecond }, "ping interval"},
		{"privileged metrics port", func(s *Settings) { s.MetricsPort = 80 }, "metrics port"},
		{"stale bound too large", func(s *Settings) { s.StaleTickBound = 2 * time.Minute }, "stale tick bound"},
		{"reconcile too frequent", func(s *Settings) { s.ReconcileInterval = 100 * time.Millisecond }, "reconcile interval"},
		{"too many retries", func(s *Settings) { s.MaxRetries = 11 }, "max retries"},
		{"backoff too small", func(s *Settings) { s.BackoffBase = time.Millisecond }, "backoff base"},
		{"trail fraction one", func(s *Settings) { s.TrailFraction = 1.0 }, "trail fraction"},
		{"milestones not ascending", func(s *Settings) {
			s.Milestones = []MilestoneConfig{{R: 3, Fraction: 0.5}, {R: 2, Fraction: 0.25}}
		}, "ascending"},
		{"milestone fraction zero", func(s *Settings) {
			s.Milestones = []MilestoneConfig{{R: 2, Fraction: 0}}
		}, "milestone fraction"},
		{"milestone fractions exceed whole", func(s *Settings) {
			s.Milestones = []MilestoneConfig{{R: 2, Fraction: 0.7}, {R: 3, Fraction: 0.7}}
		}, "must not exceed 1"},
		{"bad symbol override", func(s *Settings) {
			s.SymbolConfigs = map[string]SymbolConfig{"BTCUSDT": {TrailFraction: 1.5}}
		}, "symbol BTCUSDT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := validateSettings(&s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

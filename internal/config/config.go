// Package config holds operator-level configuration for a Warden
// installation: where state lives, the ledger signing key, which policy and
// gateway files to load and which models perform quarantine review.
//
// Values come from WARDEN_* environment variables, an optional
// warden.config.yaml and built-in defaults, merged by viper. Provider
// credentials used by proxied clients never pass through this package; they
// travel in the clients' own request headers.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/warden/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "signing_key" → WARDEN_SIGNING_KEY) and to a YAML field in
// warden.config.yaml.
const (
	KeyDataDir     = "data_dir"
	KeySigningKey  = "signing_key"
	KeyPolicyFile  = "policy_file"
	KeyGatewayFile = "gateway_file"
	KeyAPIKeys     = "api_keys"

	KeyQuarantineProvider = "quarantine_provider"
	KeyQuarantineModel    = "quarantine_model"
	KeyQuarantineAPIKey   = "quarantine_api_key"
	KeyQuarantineBaseURL  = "quarantine_base_url"
	KeyPrivilegedProvider = "privileged_provider"
	KeyPrivilegedModel    = "privileged_model"
	KeyPrivilegedAPIKey   = "privileged_api_key"
	KeyPrivilegedBaseURL  = "privileged_base_url"
	KeyModelTimeout       = "model_timeout"

	KeySweepSchedule = "sweep_schedule"
	KeySweepWindow   = "sweep_window"
)

// Defaults that do not involve key material.
const (
	DefaultPolicyFile    = "policies.yaml"
	DefaultGatewayFile   = "warden.gateway.yaml"
	DefaultModelTimeout  = 30 * time.Second
	DefaultSweepSchedule = "@every 15m"
	DefaultSweepWindow   = time.Hour
)

// ModelConfig selects the model behind one quarantine stage.
type ModelConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// Enabled reports whether a provider is configured.
func (m ModelConfig) Enabled() bool { return m.Provider != "" }

// Config holds resolved operator configuration for a Warden process.
type Config struct {
	DataDir     string
	SigningKey  string // HMAC-SHA256 key for ledger signatures (≥32 bytes)
	PolicyFile  string
	GatewayFile string
	APIKeys     map[string]string // management API key -> operator name

	Quarantined  ModelConfig
	Privileged   ModelConfig
	ModelTimeout time.Duration

	SweepSchedule string
	SweepWindow   time.Duration

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the signing key was derived rather
// than set explicitly.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// QuarantineEnabled reports whether both review models are configured.
func (c *Config) QuarantineEnabled() bool {
	return c.Quarantined.Enabled() && c.Privileged.Enabled()
}

// LedgerDBPath returns the full path to the ledger SQLite database.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default WARDEN_SIGNING_KEY; set via env var or config file for production")
	}
}

func init() {
	SetDefaults(viper.GetViper())
}

// SetDefaults registers the env prefix and defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix("WARDEN")
	v.AutomaticEnv()
	v.SetDefault(KeyPolicyFile, DefaultPolicyFile)
	v.SetDefault(KeyGatewayFile, DefaultGatewayFile)
	v.SetDefault(KeyModelTimeout, DefaultModelTimeout)
	v.SetDefault(KeySweepSchedule, DefaultSweepSchedule)
	v.SetDefault(KeySweepWindow, DefaultSweepWindow)
}

// Load reads configuration from the global viper instance and returns a
// validated Config.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	get := func(key string) string { return StripEnvQuotes(v.GetString(key)) }

	cfg := &Config{
		DataDir:     resolveDataDir(get(KeyDataDir)),
		SigningKey:  get(KeySigningKey),
		PolicyFile:  get(KeyPolicyFile),
		GatewayFile: get(KeyGatewayFile),
		APIKeys:     ParseAPIKeys(get(KeyAPIKeys)),
		Quarantined: ModelConfig{
			Provider: get(KeyQuarantineProvider),
			Model:    get(KeyQuarantineModel),
			APIKey:   get(KeyQuarantineAPIKey),
			BaseURL:  get(KeyQuarantineBaseURL),
		},
		Privileged: ModelConfig{
			Provider: get(KeyPrivilegedProvider),
			Model:    get(KeyPrivilegedModel),
			APIKey:   get(KeyPrivilegedAPIKey),
			BaseURL:  get(KeyPrivilegedBaseURL),
		},
		ModelTimeout:  v.GetDuration(KeyModelTimeout),
		SweepSchedule: get(KeySweepSchedule),
		SweepWindow:   v.GetDuration(KeySweepWindow),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "ledger-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// StripEnvQuotes removes matching surrounding quotes and whitespace, which
// .env files and some orchestrators leave in place. It is idempotent.
func StripEnvQuotes(s string) string {
	s = strings.TrimSpace(s)
	for len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// ParseAPIKeys parses a comma-separated list of key or key:operator entries.
// Entries without an operator name are named "default".
func ParseAPIKeys(s string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			name = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		if part != "" && name != "" {
			m[part] = name
		}
	}
	return m
}

func resolveDataDir(dir string) string {
	if dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic per-machine fallback key from
// the data directory path and a salt. It is not a secret.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if _, err := cryptoutil.SigningKeyBytes(c.SigningKey); err != nil {
		return fmt.Errorf("signing_key: %w; set WARDEN_SIGNING_KEY", err)
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("model_timeout must be positive")
	}
	if c.Quarantined.Enabled() != c.Privileged.Enabled() {
		return fmt.Errorf("quarantine_provider and privileged_provider must be set together")
	}
	for _, m := range []struct {
		key string
		cfg ModelConfig
	}{
		{KeyQuarantineModel, c.Quarantined},
		{KeyPrivilegedModel, c.Privileged},
	} {
		if m.cfg.Enabled() && m.cfg.Model == "" {
			return fmt.Errorf("%s is required when its provider is set", m.key)
		}
	}
	return nil
}

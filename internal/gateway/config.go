// Package gateway implements the provider proxy: a provider-compatible
// reverse proxy that intercepts chat requests to track tool-result taint,
// gate tool invocations, and keep blocked data out of the model's context.
package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Known provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// QuarantineDenyAction is what happens to a request whose tainted tool
// results the quarantine review denied.
type QuarantineDenyAction string

const (
	// DenyReject refuses the whole request with 403.
	DenyReject QuarantineDenyAction = "reject"
	// DenyDrop removes the denied results and forwards the rest.
	DenyDrop QuarantineDenyAction = "drop"
)

// Config is the top-level gateway configuration.
type Config struct {
	ListenPrefix string                    `yaml:"listen_prefix" json:"listen_prefix"`
	Providers    map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Agents       []AgentConfig             `yaml:"agents" json:"agents"`
	Interception InterceptionConfig        `yaml:"interception" json:"interception"`
	RateLimits   RateLimitsConfig          `yaml:"rate_limits" json:"rate_limits"`
	Timeouts     TimeoutsConfig            `yaml:"timeouts" json:"timeouts"`
	// MaxBodyBytes caps inbound chat request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// AgentConfig is the per-tenant configuration selected by a routing id.
type AgentConfig struct {
	RoutingID        string   `yaml:"routing_id" json:"routing_id"`
	Name             string   `yaml:"name" json:"name"`
	AllowedProviders []string `yaml:"allowed_providers,omitempty" json:"allowed_providers,omitempty"`
	RequestsPerMin   int      `yaml:"requests_per_min,omitempty" json:"requests_per_min,omitempty"`
}

// AllowsProvider reports whether the agent may use provider.
func (a *AgentConfig) AllowsProvider(provider string) bool {
	if len(a.AllowedProviders) == 0 {
		return true
	}
	for _, p := range a.AllowedProviders {
		if strings.EqualFold(p, provider) {
			return true
		}
	}
	return false
}

// InterceptionConfig controls the chat interception pipeline.
type InterceptionConfig struct {
	QuarantineDenyAction QuarantineDenyAction `yaml:"quarantine_deny_action" json:"quarantine_deny_action"`
	// RecordResponses persists assembled upstream responses in the ledger.
	RecordResponses *bool `yaml:"record_responses,omitempty" json:"record_responses,omitempty"`
}

// ResponsesRecorded returns whether responses are persisted. Default is true.
func (c InterceptionConfig) ResponsesRecorded() bool {
	return c.RecordResponses == nil || *c.RecordResponses
}

// RateLimitsConfig holds request rate limits.
type RateLimitsConfig struct {
	GlobalRequestsPerMin   int `yaml:"global_requests_per_min" json:"global_requests_per_min"`
	PerAgentRequestsPerMin int `yaml:"per_agent_requests_per_min" json:"per_agent_requests_per_min"`
}

// TimeoutsConfig holds timeouts as duration strings (e.g. "10s").
type TimeoutsConfig struct {
	ConnectTimeout string `yaml:"connect_timeout" json:"connect_timeout"`
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`
}

// ParsedTimeouts holds parsed durations for use at runtime.
type ParsedTimeouts struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Default gateway config values.
const (
	DefaultListenPrefix   = "/v1/proxy"
	DefaultAgentName      = "default"
	DefaultGlobalRPM      = 600
	DefaultPerAgentRPM    = 120
	DefaultConnectTimeout = "10s"
	DefaultRequestTimeout = "300s"
	DefaultMaxBodyBytes   = 16 << 20
	DefaultOpenAIBaseURL  = "https://api.openai.com"
	DefaultAnthropicURL   = "https://api.anthropic.com"
	DefaultOllamaBaseURL  = "http://localhost:11434"
	DefaultQuarantineDeny = DenyReject
)

var defaultBaseURLs = map[string]string{
	ProviderOpenAI:    DefaultOpenAIBaseURL,
	ProviderAnthropic: DefaultAnthropicURL,
	ProviderOllama:    DefaultOllamaBaseURL,
}

// DefaultConfig returns a configuration proxying the three known providers
// at their public endpoints.
func DefaultConfig() *Config {
	cfg := &Config{Providers: map[string]ProviderConfig{}}
	for name := range defaultBaseURLs {
		cfg.Providers[name] = ProviderConfig{Enabled: true}
	}
	_ = cfg.ApplyDefaults()
	return cfg
}

// LoadConfig loads gateway configuration from a YAML file. If the file has a
// top-level "gateway" key, that subtree is used; otherwise the whole file is
// the Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway config %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}

	var cfg Config
	if g, ok := raw["gateway"]; ok {
		sub, _ := yaml.Marshal(g)
		if err := yaml.Unmarshal(sub, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling gateway block: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling gateway config: %w", err)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults sets default values for missing fields.
func (c *Config) ApplyDefaults() error {
	if c.ListenPrefix == "" {
		c.ListenPrefix = DefaultListenPrefix
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			p.BaseURL = defaultBaseURLs[name]
			c.Providers[name] = p
		}
	}
	for i := range c.Agents {
		c.Agents[i].RoutingID = strings.ToLower(strings.TrimSpace(c.Agents[i].RoutingID))
	}
	if c.Interception.QuarantineDenyAction == "" {
		c.Interception.QuarantineDenyAction = DefaultQuarantineDeny
	}
	if c.RateLimits.GlobalRequestsPerMin == 0 {
		c.RateLimits.GlobalRequestsPerMin = DefaultGlobalRPM
	}
	if c.RateLimits.PerAgentRequestsPerMin == 0 {
		c.RateLimits.PerAgentRequestsPerMin = DefaultPerAgentRPM
	}
	if c.Timeouts.ConnectTimeout == "" {
		c.Timeouts.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Timeouts.RequestTimeout == "" {
		c.Timeouts.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenPrefix == "" || !strings.HasPrefix(c.ListenPrefix, "/") {
		return fmt.Errorf("gateway listen_prefix must start with /")
	}
	for name, p := range c.Providers {
		if _, known := defaultBaseURLs[name]; !known {
			return fmt.Errorf("gateway provider %q: %w", name, ErrUnknownProvider)
		}
		if p.Enabled && p.BaseURL == "" {
			return fmt.Errorf("gateway provider %q: base_url is required", name)
		}
	}
	switch c.Interception.QuarantineDenyAction {
	case DenyReject, DenyDrop:
	default:
		return fmt.Errorf("gateway interception.quarantine_deny_action must be reject or drop")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("gateway agent at index %d: name is required", i)
		}
		if !isCanonicalRoutingID(a.RoutingID) {
			return fmt.Errorf("gateway agent %q: %w: %q", a.Name, ErrInvalidRoutingID, a.RoutingID)
		}
		if seen[a.RoutingID] {
			return fmt.Errorf("gateway agent %q: duplicate routing_id %s", a.Name, a.RoutingID)
		}
		seen[a.RoutingID] = true
		for _, p := range a.AllowedProviders {
			if _, known := defaultBaseURLs[strings.ToLower(p)]; !known {
				return fmt.Errorf("gateway agent %q: %w: %q", a.Name, ErrUnknownProvider, p)
			}
		}
	}
	if _, err := c.ParseTimeouts(); err != nil {
		return err
	}
	return nil
}

// ParseTimeouts returns parsed durations for the configured timeout strings.
func (c *Config) ParseTimeouts() (ParsedTimeouts, error) {
	var pt ParsedTimeouts
	var err error
	pt.ConnectTimeout, err = time.ParseDuration(c.Timeouts.ConnectTimeout)
	if err != nil {
		return pt, fmt.Errorf("connect_timeout %q: %w", c.Timeouts.ConnectTimeout, err)
	}
	pt.RequestTimeout, err = time.ParseDuration(c.Timeouts.RequestTimeout)
	if err != nil {
		return pt, fmt.Errorf("request_timeout %q: %w", c.Timeouts.RequestTimeout, err)
	}
	return pt, nil
}

// Provider returns the provider config for name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// AgentByRoutingID returns the agent configured for routingID, or nil.
func (c *Config) AgentByRoutingID(routingID string) *AgentConfig {
	if routingID == "" {
		return nil
	}
	for i := range c.Agents {
		if c.Agents[i].RoutingID == routingID {
			return &c.Agents[i]
		}
	}
	return nil
}

func isCanonicalRoutingID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122 && id.String() == s
}

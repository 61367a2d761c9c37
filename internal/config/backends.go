package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kursadbilgin/maildispatch/internal/dkim"
	"github.com/kursadbilgin/maildispatch/internal/resilience"
	"gopkg.in/yaml.v3"
)

type BackendKind string

const (
	BackendSimulated BackendKind = "simulated"
	BackendWebhook   BackendKind = "webhook"
	BackendRelay     BackendKind = "relay"
	BackendSMTP      BackendKind = "smtp"
)

func (k BackendKind) IsValid() bool {
	switch k {
	case BackendSimulated, BackendWebhook, BackendRelay, BackendSMTP:
		return true
	default:
		return false
	}
}

// SimulatedMode selects a simulated backend's failure strategy.
type SimulatedMode string

const (
	SimulatedRandom   SimulatedMode = "random"
	SimulatedAlways   SimulatedMode = "always"
	SimulatedNever    SimulatedMode = "never"
	SimulatedSequence SimulatedMode = "sequence"
)

// BackendDefinition is one entry of the ordered fallback chain.
type BackendDefinition struct {
	Name    string           `yaml:"name"`
	Kind    BackendKind      `yaml:"kind"`
	Breaker *BreakerOverride `yaml:"breaker,omitempty"`

	Simulated *SimulatedOptions `yaml:"simulated,omitempty"`
	Webhook   *WebhookOptions   `yaml:"webhook,omitempty"`
	Relay     *RelayOptions     `yaml:"relay,omitempty"`
	SMTP      *SMTPOptions      `yaml:"smtp,omitempty"`
}

type BreakerOverride struct {
	Threshold int `yaml:"threshold"`
	TimeoutMS int `yaml:"timeout_ms"`
}

type SimulatedOptions struct {
	Mode        SimulatedMode `yaml:"mode"`
	FailureRate float64       `yaml:"failure_rate"`
	Sequence    []bool        `yaml:"sequence"`
	LatencyMS   int           `yaml:"latency_ms"`
	// Seed fixes the random source; zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

type WebhookOptions struct {
	Endpoint  string            `yaml:"endpoint"`
	TimeoutMS int               `yaml:"timeout_ms"`
	Headers   map[string]string `yaml:"headers"`
}

type RelayOptions struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

type SMTPOptions struct {
	Host               string       `yaml:"host"`
	Port               int          `yaml:"port"`
	Username           string       `yaml:"username"`
	Password           string       `yaml:"password"`
	From               string       `yaml:"from"`
	HeloName           string       `yaml:"helo_name"`
	RequireTLS         bool         `yaml:"require_tls"`
	InsecureSkipVerify bool         `yaml:"insecure_skip_verify"`
	TimeoutMS          int          `yaml:"timeout_ms"`
	DKIM               dkim.Options `yaml:"dkim"`
}

type backendsFile struct {
	Backends []BackendDefinition `yaml:"backends"`
}

// DefaultBackends returns the two simulated providers used when no
// backends file is configured.
func DefaultBackends() []BackendDefinition {
	return []BackendDefinition{
		{
			Name:      "ProviderA",
			Kind:      BackendSimulated,
			Simulated: &SimulatedOptions{Mode: SimulatedRandom, FailureRate: 0.7},
		},
		{
			Name:      "ProviderB",
			Kind:      BackendSimulated,
			Simulated: &SimulatedOptions{Mode: SimulatedRandom, FailureRate: 0.5},
		},
	}
}

// LoadBackends reads the ordered backend list from a YAML file. ${VAR}
// references are expanded from the environment before parsing. An empty
// path yields DefaultBackends.
func LoadBackends(path string) ([]BackendDefinition, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultBackends(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backends file: %w", err)
	}

	return ParseBackends(data)
}

func ParseBackends(data []byte) ([]BackendDefinition, error) {
	var file backendsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse backends file: %w", err)
	}

	if err := ValidateBackends(file.Backends); err != nil {
		return nil, err
	}
	return file.Backends, nil
}

func ValidateBackends(defs []BackendDefinition) error {
	if len(defs) == 0 {
		return fmt.Errorf("invalid backends: at least one backend is required")
	}

	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return fmt.Errorf("invalid backends: entry %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("invalid backends: duplicate name %q", name)
		}
		seen[name] = struct{}{}

		if err := def.validate(); err != nil {
			return fmt.Errorf("invalid backend %q: %w", name, err)
		}
	}
	return nil
}

func (d BackendDefinition) validate() error {
	if !d.Kind.IsValid() {
		return fmt.Errorf("unknown kind %q", d.Kind)
	}

	if d.Breaker != nil && (d.Breaker.Threshold <= 0 || d.Breaker.TimeoutMS <= 0) {
		return fmt.Errorf("breaker override needs positive threshold and timeout_ms")
	}

	switch d.Kind {
	case BackendSimulated:
		if d.Simulated == nil {
			return fmt.Errorf("simulated options are required")
		}
		switch d.Simulated.Mode {
		case SimulatedRandom, "":
			if d.Simulated.FailureRate < 0 || d.Simulated.FailureRate > 1 {
				return fmt.Errorf("failure_rate must be within [0,1]")
			}
		case SimulatedAlways, SimulatedNever, SimulatedSequence:
		default:
			return fmt.Errorf("unknown simulated mode %q", d.Simulated.Mode)
		}
	case BackendWebhook:
		if d.Webhook == nil || strings.TrimSpace(d.Webhook.Endpoint) == "" {
			return fmt.Errorf("webhook endpoint is required")
		}
	case BackendRelay:
		if d.Relay == nil || strings.TrimSpace(d.Relay.URL) == "" {
			return fmt.Errorf("relay url is required")
		}
	case BackendSMTP:
		if d.SMTP == nil || strings.TrimSpace(d.SMTP.Host) == "" {
			return fmt.Errorf("smtp host is required")
		}
	}

	return nil
}

// BreakerOverrides collects the per-backend breaker settings that differ
// from the global ones.
func BreakerOverrides(defs []BackendDefinition) map[string]resilience.CircuitBreakerConfig {
	overrides := make(map[string]resilience.CircuitBreakerConfig)
	for _, def := range defs {
		if def.Breaker == nil {
			continue
		}
		overrides[def.Name] = resilience.CircuitBreakerConfig{
			Threshold: def.Breaker.Threshold,
			Timeout:   time.Duration(def.Breaker.TimeoutMS) * time.Millisecond,
		}
	}
	return overrides
}

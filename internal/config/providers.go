package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider types understood by the registry wiring in internal/server.
const (
	ProviderTypeHTTP      = "http"
	ProviderTypeTwilio    = "twilio"
	ProviderTypeBlocklist = "blocklist"
)

// DefaultProviderTimeout bounds a provider evaluate call when the file omits one.
const DefaultProviderTimeout = 2 * time.Second

// Duration wraps time.Duration so provider timeouts can be written as "2s"
// or "500ms" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig is one scoring provider registration from the providers file.
type ProviderConfig struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	URL      string   `yaml:"url,omitempty"`
	APIKey   string   `yaml:"apiKey,omitempty"`
	Enabled  bool     `yaml:"enabled"`
	Weight   float64  `yaml:"weight"`
	Priority int      `yaml:"priority"`
	Timeout  Duration `yaml:"timeout"`
}

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProviders reads scoring provider registrations from a YAML file.
// ${VAR} references in url and apiKey are expanded from the environment so
// secrets stay out of the file. A missing file is not an error: the service
// runs with only the built-in providers registered by the server.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from deploy config, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	seen := make(map[string]bool, len(f.Providers))
	for i := range f.Providers {
		p := &f.Providers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case ProviderTypeHTTP:
			if p.URL == "" {
				return nil, fmt.Errorf("provider %q: url is required for type http", p.Name)
			}
		case ProviderTypeTwilio, ProviderTypeBlocklist:
			// No URL needed.
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}

		if p.Weight < 0 {
			return nil, fmt.Errorf("provider %q: weight must be >= 0", p.Name)
		}
		if p.Timeout <= 0 {
			p.Timeout = Duration(DefaultProviderTimeout)
		}

		p.URL = os.ExpandEnv(p.URL)
		p.APIKey = os.ExpandEnv(p.APIKey)
	}

	return f.Providers, nil
}

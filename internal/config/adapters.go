package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/HanTheDev/orbit-gateway/internal/models"
)

// AdaptersFile is the adapter configuration document.
type AdaptersFile struct {
	// DefaultAdapter serves chat requests that name no adapter and carry no
	// API key binding.
	DefaultAdapter string                  `yaml:"default_adapter"`
	Adapters       []AdapterEntry          `yaml:"adapters" validate:"dive"`
	APIKeys        map[string]APIKeyConfig `yaml:"api_keys" validate:"dive"`
}

type AdapterEntry struct {
	Name              string         `yaml:"name" validate:"required"`
	Class             string         `yaml:"class" validate:"required,oneof=retriever passthrough action"`
	Datasource        string         `yaml:"datasource" validate:"required"`
	Enabled           *bool          `yaml:"enabled"`
	Implementation    string         `yaml:"implementation" validate:"required"`
	Version           string         `yaml:"version"`
	InferenceProvider string         `yaml:"inference_provider"`
	EmbeddingProvider string         `yaml:"embedding_provider"`
	Config            map[string]any `yaml:"config"`
}

// APIKeyConfig binds an API key to a client and, optionally, an adapter.
type APIKeyConfig struct {
	Client  string `yaml:"client" validate:"required"`
	Adapter string `yaml:"adapter"`
	Admin   bool   `yaml:"admin"`
}

func LoadAdapters(path string) (*AdaptersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read adapters file: %w", err)
	}
	f, err := ParseAdapters(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func ParseAdapters(data []byte) (*AdaptersFile, error) {
	var f AdaptersFile
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse adapters: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid adapters: %w", err)
	}

	seen := make(map[models.AdapterKey]bool, len(f.Adapters))
	for _, a := range f.Adapters {
		k := a.Key()
		if seen[k] {
			return nil, fmt.Errorf("adapter %s declared twice", k)
		}
		seen[k] = true
		if t, ok := a.Config["confidence_threshold"]; ok {
			v, ok := t.(float64)
			if !ok {
				if n, isInt := t.(int); isInt {
					v, ok = float64(n), true
				}
			}
			if !ok || v < 0 || v > 1 {
				return nil, fmt.Errorf("adapter %s: confidence_threshold must be a number in [0,1]", k)
			}
		}
	}
	return &f, nil
}

func (a AdapterEntry) Key() models.AdapterKey {
	return models.AdapterKey{Class: models.AdapterClass(a.Class), Datasource: a.Datasource, Name: a.Name}
}

// Descriptors converts the entries in file order. Adapters are enabled
// unless they say otherwise.
func (f *AdaptersFile) Descriptors() []models.AdapterDescriptor {
	out := make([]models.AdapterDescriptor, len(f.Adapters))
	for i, a := range f.Adapters {
		enabled := true
		if a.Enabled != nil {
			enabled = *a.Enabled
		}
		out[i] = models.AdapterDescriptor{
			Key:               a.Key(),
			Enabled:           enabled,
			Implementation:    a.Implementation,
			Version:           a.Version,
			Config:            a.Config,
			InferenceProvider: a.InferenceProvider,
			EmbeddingProvider: a.EmbeddingProvider,
		}
	}
	return out
}

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} references. Unset
// variables without a default expand to the empty string.
func ExpandEnv(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		m := envVarRegex.FindStringSubmatch(match)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[3]
	})
}

// AdapterNames lists the names an API key may be bound to, for startup
// checks.
func (f *AdaptersFile) AdapterNames() map[string]bool {
	names := make(map[string]bool, len(f.Adapters))
	for _, a := range f.Adapters {
		names[a.Name] = true
	}
	return names
}

// CheckBindings reports API keys bound to undeclared adapters.
func (f *AdaptersFile) CheckBindings() error {
	names := f.AdapterNames()
	var bad []string
	for _, k := range f.APIKeys {
		if k.Adapter != "" && !names[k.Adapter] {
			bad = append(bad, fmt.Sprintf("%s -> %s", k.Client, k.Adapter))
		}
	}
	if f.DefaultAdapter != "" && !names[f.DefaultAdapter] {
		bad = append(bad, "default_adapter -> "+f.DefaultAdapter)
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("bindings to unknown adapters: %s", strings.Join(bad, ", "))
	}
	return nil
}

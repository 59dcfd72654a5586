// Package adapter defines the capability interfaces an adapter can
// implement and the catalog that builds them from descriptors.
package adapter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HanTheDev/orbit-gateway/internal/breaker"
	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/models"
)

// Retriever answers free text by matching it against a template collection.
type Retriever interface {
	Source() datasource.Spec
	Collection() string
	Threshold() float64
	TemplateFiles() []string
}

// PassthroughAdapter hands the raw request text to its datasource through a
// fixed statement with a single {{query}} placeholder.
type PassthroughAdapter interface {
	Source() datasource.Spec
	Statement() *models.Template
}

// ActionAdapter runs one fixed operation whose parameters are extracted from
// the request; no template matching takes place.
type ActionAdapter interface {
	Source() datasource.Spec
	Action() *models.Template
}

// Implementation is a tagged union: exactly one capability is set and Class
// says which.
type Implementation struct {
	Class       models.AdapterClass
	Retriever   Retriever
	Passthrough PassthroughAdapter
	Action      ActionAdapter
	Breaker     breaker.Config
}

func (i Implementation) Source() datasource.Spec {
	switch i.Class {
	case models.ClassRetriever:
		return i.Retriever.Source()
	case models.ClassPassthrough:
		return i.Passthrough.Source()
	case models.ClassAction:
		return i.Action.Source()
	}
	return datasource.Spec{}
}

func (i Implementation) validate() error {
	var set models.AdapterClass
	switch {
	case i.Retriever != nil && i.Passthrough == nil && i.Action == nil:
		set = models.ClassRetriever
	case i.Passthrough != nil && i.Retriever == nil && i.Action == nil:
		set = models.ClassPassthrough
	case i.Action != nil && i.Retriever == nil && i.Passthrough == nil:
		set = models.ClassAction
	default:
		return fmt.Errorf("implementation must set exactly one capability")
	}
	if set != i.Class {
		return fmt.Errorf("implementation provides %s but is tagged %s", set, i.Class)
	}
	return nil
}

type ConnectionConfig struct {
	Kind   string            `yaml:"kind"`
	Params map[string]string `yaml:"params"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// Config is the typed view of a descriptor's free-form config map.
type Config struct {
	Connection          ConnectionConfig `yaml:"connection"`
	ConfidenceThreshold *float64         `yaml:"confidence_threshold"`
	TemplateCollection  string           `yaml:"template_collection"`
	TemplateLibrary     []string         `yaml:"template_library"`
	Statement           string           `yaml:"statement"`
	Action              *models.Template `yaml:"action"`
	Breaker             BreakerConfig    `yaml:"breaker"`
}

// DecodeConfig converts a descriptor's config map into Config by a YAML
// round trip, so durations like "30s" decode the same way as in the
// adapters file.
func DecodeConfig(raw map[string]any) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode adapter config: %w", err)
	}
	return cfg, nil
}

// Factory builds an implementation for one descriptor.
type Factory func(desc models.AdapterDescriptor, cfg Config, defaults Defaults) (Implementation, error)

// Defaults apply when an adapter's config leaves a setting out.
type Defaults struct {
	Threshold float64
	Breaker   breaker.Config
}

type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
	defaults  Defaults
}

func NewCatalog(defaults Defaults) *Catalog {
	return &Catalog{factories: make(map[string]Factory), defaults: defaults}
}

// DefaultCatalog registers the built-in implementations.
func DefaultCatalog(defaults Defaults) *Catalog {
	c := NewCatalog(defaults)
	c.Register("intent", newIntentRetriever)
	c.Register("passthrough", newPassthrough)
	c.Register("action", newAction)
	return c
}

func (c *Catalog) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build resolves the descriptor's implementation reference and checks the
// result against the descriptor's class.
func (c *Catalog) Build(desc models.AdapterDescriptor) (Implementation, error) {
	c.mu.RLock()
	f, ok := c.factories[desc.Implementation]
	c.mu.RUnlock()
	if !ok {
		return Implementation{}, fmt.Errorf("adapter %s: unknown implementation %q", desc.Key, desc.Implementation)
	}

	cfg, err := DecodeConfig(desc.Config)
	if err != nil {
		return Implementation{}, fmt.Errorf("adapter %s: %w", desc.Key, err)
	}
	impl, err := f(desc, cfg, c.defaults)
	if err != nil {
		return Implementation{}, fmt.Errorf("adapter %s: %w", desc.Key, err)
	}
	if impl.Class != desc.Key.Class {
		return Implementation{}, fmt.Errorf("adapter %s: implementation %q is a %s adapter", desc.Key, desc.Implementation, impl.Class)
	}
	if err := impl.validate(); err != nil {
		return Implementation{}, fmt.Errorf("adapter %s: %w", desc.Key, err)
	}

	impl.Breaker = breakerConfig(cfg.Breaker, c.defaults.Breaker)
	return impl, nil
}

func breakerConfig(o BreakerConfig, d breaker.Config) breaker.Config {
	if o.FailureThreshold > 0 {
		d.FailureThreshold = o.FailureThreshold
	}
	if o.ResetTimeout > 0 {
		d.ResetTimeout = o.ResetTimeout
	}
	if o.CallTimeout > 0 {
		d.CallTimeout = o.CallTimeout
	}
	return d
}

func sourceFor(desc models.AdapterDescriptor, cfg Config) datasource.Spec {
	kind := cfg.Connection.Kind
	if kind == "" {
		kind = desc.Key.Datasource
	}
	params := make(map[string]string, len(cfg.Connection.Params))
	for k, v := range cfg.Connection.Params {
		params[k] = v
	}
	return datasource.Spec{Kind: kind, Params: params}
}

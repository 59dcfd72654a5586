// Package intent maps free text onto a parameterized query template by
// embedding similarity.
package intent

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/embedding"
	"github.com/HanTheDev/orbit-gateway/internal/models"
)

// Library is an immutable, ordered template set for one collection.
// Declaration order is preserved and decides ties during matching.
type Library struct {
	Collection string
	// Provider names the embedder the template vectors were computed with.
	// Queries must be embedded with the same provider.
	Provider  string
	templates []models.Template
	byID      map[string]int
}

// NewLibrary validates templates and builds a library. Every placeholder
// and every conditional guard in a query pattern must have exactly one
// ParameterSpec.
func NewLibrary(collection string, templates []models.Template) (*Library, error) {
	lib := &Library{
		Collection: collection,
		templates:  make([]models.Template, 0, len(templates)),
		byID:       make(map[string]int, len(templates)),
	}

	for i, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("collection %q: template %d has no id", collection, i)
		}
		if _, dup := lib.byID[t.ID]; dup {
			return nil, fmt.Errorf("collection %q: duplicate template id %q", collection, t.ID)
		}
		if err := ValidateTemplate(&t); err != nil {
			return nil, fmt.Errorf("collection %q: %w", collection, err)
		}
		lib.byID[t.ID] = len(lib.templates)
		lib.templates = append(lib.templates, t)
	}
	return lib, nil
}

// ValidateTemplate checks a template's parameter specs against its query
// pattern. An optional parameter without a default may only appear inside
// its own {% if %} block.
func ValidateTemplate(t *models.Template) error {
	if t.QueryPattern == "" {
		return fmt.Errorf("template %q has no query", t.ID)
	}

	specs := make(map[string]int, len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("template %q has a parameter without a name", t.ID)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("template %q parameter %q: unknown type %q", t.ID, p.Name, p.Type)
		}
		if p.Type == models.ParamEnum && len(p.AllowedValues) == 0 {
			return fmt.Errorf("template %q parameter %q: enum without allowed_values", t.ID, p.Name)
		}
		specs[p.Name]++
	}

	names := append(datasource.Placeholders(t.QueryPattern), datasource.Conditionals(t.QueryPattern)...)
	for _, name := range names {
		switch specs[name] {
		case 0:
			return fmt.Errorf("template %q: placeholder %q has no parameter spec", t.ID, name)
		case 1:
		default:
			return fmt.Errorf("template %q: placeholder %q has %d parameter specs", t.ID, name, specs[name])
		}
	}

	for _, p := range t.Parameters {
		if !p.Required && p.Default == "" && datasource.Unguarded(t.QueryPattern, p.Name) {
			return fmt.Errorf("template %q: optional parameter %q is used outside an {%% if %s %%} block", t.ID, p.Name, p.Name)
		}
	}
	return nil
}

func (l *Library) Len() int { return len(l.templates) }

// Templates returns the templates in declaration order.
func (l *Library) Templates() []models.Template {
	out := make([]models.Template, len(l.templates))
	copy(out, l.templates)
	return out
}

func (l *Library) Get(id string) (*models.Template, bool) {
	i, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	t := l.templates[i]
	return &t, true
}

// Prepare returns a copy of the library in which every template carries an
// embedding from e. Precomputed embeddings are kept only when the library
// was already prepared with the same provider.
func (l *Library) Prepare(ctx context.Context, e embedding.Embedder) (*Library, error) {
	out := &Library{
		Collection: l.Collection,
		Provider:   e.Name(),
		templates:  make([]models.Template, len(l.templates)),
		byID:       l.byID,
	}

	reuse := l.Provider == e.Name()
	for i, t := range l.templates {
		if len(t.Embedding) == 0 || !reuse {
			vec, err := e.Embed(ctx, t.EmbeddingText())
			if err != nil {
				return nil, fmt.Errorf("embed template %q: %w", t.ID, err)
			}
			t.Embedding = vec
		}
		out.templates[i] = t
	}
	return out, nil
}

type templateFile struct {
	Templates []models.Template `yaml:"templates"`
}

// LoadTemplateFiles reads YAML template files in order and concatenates
// their templates.
func LoadTemplateFiles(paths ...string) ([]models.Template, error) {
	var all []models.Template
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read template file: %w", err)
		}
		var f templateFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse template file %s: %w", path, err)
		}
		all = append(all, f.Templates...)
	}
	return all, nil
}

// Index holds the live library of every collection. Swap publishes a fully
// built library in one step; readers see either the old or the new set.
type Index struct {
	mu   sync.RWMutex
	libs map[string]*Library
}

func NewIndex() *Index {
	return &Index{libs: make(map[string]*Library)}
}

func (x *Index) Swap(lib *Library) *Library {
	x.mu.Lock()
	defer x.mu.Unlock()
	old := x.libs[lib.Collection]
	x.libs[lib.Collection] = lib
	return old
}

func (x *Index) Get(collection string) (*Library, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	lib, ok := x.libs[collection]
	return lib, ok
}

func (x *Index) Remove(collection string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.libs, collection)
}

func (x *Index) Collections() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.libs))
	for c := range x.libs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

package adapter

import (
	"fmt"

	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/intent"
	"github.com/HanTheDev/orbit-gateway/internal/models"
)

type intentRetriever struct {
	source     datasource.Spec
	collection string
	threshold  float64
	files      []string
}

func (r *intentRetriever) Source() datasource.Spec { return r.source }
func (r *intentRetriever) Collection() string { return r.collection }
func (r *intentRetriever) Threshold() float64 { return r.threshold }
func (r *intentRetriever) TemplateFiles() []string { return r.files }

func newIntentRetriever(desc models.AdapterDescriptor, cfg Config, d Defaults) (Implementation, error) {
	if len(cfg.TemplateLibrary) == 0 {
		return Implementation{}, fmt.Errorf("intent retriever needs a template_library")
	}

	threshold := d.Threshold
	if cfg.ConfidenceThreshold != nil {
		threshold = *cfg.ConfidenceThreshold
	}
	if threshold < 0 || threshold > 1 {
		return Implementation{}, fmt.Errorf("confidence_threshold %.2f outside [0,1]", threshold)
	}

	collection := cfg.TemplateCollection
	if collection == "" {
		collection = desc.Key.Name
	}

	return Implementation{
		Class: models.ClassRetriever,
		Retriever: &intentRetriever{
			source:     sourceFor(desc, cfg),
			collection: collection,
			threshold:  threshold,
			files:      cfg.TemplateLibrary,
		},
	}, nil
}

const queryParam = "query"

type passthrough struct {
	source    datasource.Spec
	statement *models.Template
}

func (p *passthrough) Source() datasource.Spec { return p.source }
func (p *passthrough) Statement() *models.Template { return p.statement }

func newPassthrough(desc models.AdapterDescriptor, cfg Config, _ Defaults) (Implementation, error) {
	if cfg.Statement == "" {
		return Implementation{}, fmt.Errorf("passthrough adapter needs a statement")
	}
	for _, name := range datasource.Placeholders(cfg.Statement) {
		if name != queryParam {
			return Implementation{}, fmt.Errorf("passthrough statement may only use {{%s}}, found {{%s}}", queryParam, name)
		}
	}

	return Implementation{
		Class: models.ClassPassthrough,
		Passthrough: &passthrough{
			source: sourceFor(desc, cfg),
			statement: &models.Template{
				ID:           desc.Key.Name,
				Description:  "raw request passthrough",
				Parameters:   []models.ParameterSpec{{Name: queryParam, Type: models.ParamString, Required: true}},
				QueryPattern: cfg.Statement,
			},
		},
	}, nil
}

type action struct {
	source datasource.Spec
	tmpl   *models.Template
}

func (a *action) Source() datasource.Spec { return a.source }
func (a *action) Action() *models.Template { return a.tmpl }

func newAction(desc models.AdapterDescriptor, cfg Config, _ Defaults) (Implementation, error) {
	if cfg.Action == nil || cfg.Action.QueryPattern == "" {
		return Implementation{}, fmt.Errorf("action adapter needs an action with a query")
	}
	tmpl := *cfg.Action
	if tmpl.ID == "" {
		tmpl.ID = desc.Key.Name
	}

	if err := intent.ValidateTemplate(&tmpl); err != nil {
		return Implementation{}, fmt.Errorf("action: %w", err)
	}

	return Implementation{
		Class:  models.ClassAction,
		Action: &action{source: sourceFor(desc, cfg), tmpl: &tmpl},
	}, nil
}

package models

import (
	"fmt"
	"time"
)

type AdapterClass string

const (
	ClassRetriever   AdapterClass = "retriever"
	ClassPassthrough AdapterClass = "passthrough"
	ClassAction      AdapterClass = "action"
)

func (c AdapterClass) Valid() bool {
	switch c {
	case ClassRetriever, ClassPassthrough, ClassAction:
		return true
	}
	return false
}

// AdapterKey is the registry identity of an adapter.
type AdapterKey struct {
	Class      AdapterClass `json:"class"`
	Datasource string       `json:"datasource"`
	Name       string       `json:"name"`
}

func (k AdapterKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Class, k.Datasource, k.Name)
}

type AdapterDescriptor struct {
	Key               AdapterKey     `json:"key"`
	Enabled           bool           `json:"enabled"`
	Implementation    string         `json:"implementation"`
	Version           string         `json:"version,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
	InferenceProvider string         `json:"inference_provider,omitempty"`
	EmbeddingProvider string         `json:"embedding_provider,omitempty"`
	LoadedAt          time.Time      `json:"loaded_at"`
}

// Clone returns a copy whose config map can be mutated independently.
func (d AdapterDescriptor) Clone() AdapterDescriptor {
	out := d
	if d.Config != nil {
		out.Config = make(map[string]any, len(d.Config))
		for k, v := range d.Config {
			out.Config[k] = v
		}
	}
	return out
}

type ParamType string

const (
	ParamInteger ParamType = "integer"
	ParamString  ParamType = "string"
	ParamDate    ParamType = "date"
	ParamEnum    ParamType = "enum"
	ParamList    ParamType = "list"
)

func (t ParamType) Valid() bool {
	switch t {
	case ParamInteger, ParamString, ParamDate, ParamEnum, ParamList:
		return true
	}
	return false
}

type ParameterSpec struct {
	Name          string    `json:"name" yaml:"name"`
	Type          ParamType `json:"type" yaml:"type"`
	Required      bool      `json:"required" yaml:"required"`
	Example       string    `json:"example,omitempty" yaml:"example"`
	Description   string    `json:"description,omitempty" yaml:"description"`
	AllowedValues []string  `json:"allowed_values,omitempty" yaml:"allowed_values"`
	Default       string    `json:"default,omitempty" yaml:"default"`
	// Aliases are extra words that introduce the value in free text,
	// e.g. "client" for customer_id.
	Aliases []string `json:"aliases,omitempty" yaml:"aliases"`
}

type Template struct {
	ID           string          `json:"id" yaml:"id"`
	Description  string          `json:"description" yaml:"description"`
	Examples     []string        `json:"examples,omitempty" yaml:"examples"`
	Embedding    []float64       `json:"-" yaml:"embedding"`
	Parameters   []ParameterSpec `json:"parameters" yaml:"parameters"`
	QueryPattern string          `json:"query" yaml:"query"`
	Datasource   string          `json:"datasource,omitempty" yaml:"datasource"`
}

// EmbeddingText is the text a template is embedded from.
func (t *Template) EmbeddingText() string {
	text := t.Description
	for _, ex := range t.Examples {
		text += "\n" + ex
	}
	return text
}

func (t *Template) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

type RequestLog struct {
	ID             int64     `json:"id"`
	RequestID      string    `json:"request_id"`
	Adapter        string    `json:"adapter"`
	ClientID       string    `json:"client_id"`
	SessionID      string    `json:"session_id"`
	TemplateID     string    `json:"template_id"`
	Stage          string    `json:"stage"`
	ErrorKind      string    `json:"error_kind"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs int       `json:"response_time_ms"`
	RowCount       int       `json:"row_count"`
	Timestamp      time.Time `json:"timestamp"`
}

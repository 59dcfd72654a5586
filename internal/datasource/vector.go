package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

// vectorQuery is the JSON shape of a vector template pattern:
//
//	{"class": "Article", "fields": ["title", "body"], "concepts": ["{{topic}}"], "limit": 5}
type vectorQuery struct {
	Class    string   `json:"class"`
	Fields   []string `json:"fields"`
	Concepts []string `json:"concepts"`
	Limit    int      `json:"limit"`
}

type VectorDriver struct {
	client *weaviate.Client
}

func OpenVector(ctx context.Context, spec Spec) (Driver, error) {
	host := spec.Param("host", "localhost:8080")
	scheme := spec.Param("scheme", "http")
	if strings.HasPrefix(host, "https://") {
		scheme, host = "https", strings.TrimPrefix(host, "https://")
	} else if strings.HasPrefix(host, "http://") {
		host = strings.TrimPrefix(host, "http://")
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	d := &VectorDriver{client: client}
	if err := d.Ping(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *VectorDriver) Kind() string { return KindVector }

func (d *VectorDriver) Execute(ctx context.Context, q BoundQuery) (*ResultSet, error) {
	rendered, err := q.Inline(jsonValue)
	if err != nil {
		return nil, errs.Permanent(KindVector, err)
	}

	var vq vectorQuery
	if err := json.Unmarshal([]byte(rendered), &vq); err != nil {
		return nil, errs.Permanent(KindVector, fmt.Errorf("decode vector query: %w", err))
	}
	if vq.Class == "" || len(vq.Fields) == 0 {
		return nil, errs.Permanent(KindVector, fmt.Errorf("vector query needs class and fields"))
	}
	if vq.Limit <= 0 {
		vq.Limit = 10
	}

	fields := make([]graphql.Field, 0, len(vq.Fields))
	for _, f := range vq.Fields {
		fields = append(fields, graphql.Field{Name: f})
	}

	get := d.client.GraphQL().Get().
		WithClassName(vq.Class).
		WithFields(fields...).
		WithLimit(vq.Limit)
	if len(vq.Concepts) > 0 {
		get = get.WithNearText(d.client.GraphQL().NearTextArgBuilder().WithConcepts(vq.Concepts))
	}

	start := time.Now()
	result, err := get.Do(ctx)
	if err != nil {
		return nil, classify(KindVector, err)
	}
	if len(result.Errors) > 0 {
		return nil, errs.Permanent(KindVector, fmt.Errorf("graphql: %s", result.Errors[0].Message))
	}

	var rows []map[string]any
	if data, ok := result.Data["Get"].(map[string]interface{}); ok {
		if objects, ok := data[vq.Class].([]interface{}); ok {
			for _, obj := range objects {
				if row, ok := obj.(map[string]interface{}); ok {
					rows = append(rows, row)
				}
			}
		}
	}

	return &ResultSet{Columns: vq.Fields, Rows: rows, Source: KindVector, Duration: time.Since(start)}, nil
}

func (d *VectorDriver) Ping(ctx context.Context) error {
	ready, err := d.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate ready check: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate not ready")
	}
	return nil
}

func (d *VectorDriver) Close(context.Context) error { return nil }

// jsonValue encodes a value for substitution inside a JSON document.
// Strings are escaped without surrounding quotes, so patterns quote string
// placeholders themselves; other values become JSON literals.
func jsonValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s := string(b)
	if str, ok := v.(string); ok {
		enc, _ := json.Marshal(str)
		s = strings.TrimSuffix(strings.TrimPrefix(string(enc), `"`), `"`)
	}
	return s, nil
}

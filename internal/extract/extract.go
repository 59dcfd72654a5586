// Package extract pulls typed parameter values out of free text and binds
// them into a template's query pattern.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/models"
)

// ErrNotFound is returned by a Capability when the text carries no value
// for the parameter.
var ErrNotFound = errors.New("parameter not found in text")

// Capability finds the raw text of one parameter value.
type Capability interface {
	Extract(ctx context.Context, text string, spec models.ParameterSpec) (string, error)
}

// Extractor asks its primary capability first and falls back to pattern
// rules when the primary finds nothing or fails.
type Extractor struct {
	primary Capability
	rules   *RuleExtractor
}

func NewExtractor(primary Capability, rules *RuleExtractor) *Extractor {
	if rules == nil {
		rules = NewRuleExtractor(time.Now)
	}
	return &Extractor{primary: primary, rules: rules}
}

// ExtractAll walks the template's parameters in order. Absent optional
// parameters are left out of the result so conditional blocks drop them.
func (x *Extractor) ExtractAll(ctx context.Context, tmpl *models.Template, text string) (map[string]any, error) {
	text = norm.NFKC.String(text)
	values := make(map[string]any, len(tmpl.Parameters))

	for _, spec := range tmpl.Parameters {
		raw, err := x.extractOne(ctx, text, spec)
		if err != nil {
			return nil, err
		}
		if raw == "" {
			raw = spec.Default
		}
		if raw == "" {
			if spec.Required {
				return nil, &errs.MissingParameterError{Template: tmpl.ID, Parameter: spec.Name}
			}
			continue
		}

		v, err := Coerce(spec, raw)
		if err != nil {
			return nil, err
		}
		values[spec.Name] = v
	}
	return values, nil
}

func (x *Extractor) extractOne(ctx context.Context, text string, spec models.ParameterSpec) (string, error) {
	if x.primary != nil {
		raw, err := x.primary.Extract(ctx, text, spec)
		switch {
		case err == nil && raw != "":
			return raw, nil
		case errors.Is(err, context.Canceled):
			return "", err
		case err != nil && !errors.Is(err, ErrNotFound):
			log.Debug().Err(err).Str("parameter", spec.Name).Msg("inference extraction failed, using rules")
		}
	}

	raw, err := x.rules.Extract(ctx, text, spec)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return raw, err
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	time.RFC3339,
}

// A Caser keeps state between calls, so each use gets its own.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

// Coerce converts raw text into the parameter's declared type. Dates are
// normalized to YYYY-MM-DD, enum values to their declared spelling and
// lists to []string.
func Coerce(spec models.ParameterSpec, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	typeErr := func(cause error) error {
		return &errs.ParameterTypeError{Parameter: spec.Name, Expected: string(spec.Type), Value: raw, Cause: cause}
	}

	switch spec.Type {
	case models.ParamInteger:
		n, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
		if err != nil {
			return nil, typeErr(err)
		}
		return n, nil

	case models.ParamString:
		if raw == "" {
			return nil, typeErr(nil)
		}
		return raw, nil

	case models.ParamDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.Format("2006-01-02"), nil
			}
		}
		return nil, typeErr(fmt.Errorf("unrecognized date format"))

	case models.ParamEnum:
		want := foldCase(raw)
		for _, allowed := range spec.AllowedValues {
			if foldCase(allowed) == want {
				return allowed, nil
			}
		}
		return nil, typeErr(fmt.Errorf("allowed values are %v", spec.AllowedValues))

	case models.ParamList:
		items := splitList(raw)
		if len(items) == 0 {
			return nil, typeErr(nil)
		}
		if len(spec.AllowedValues) > 0 {
			for i, item := range items {
				v, err := Coerce(models.ParameterSpec{Name: spec.Name, Type: models.ParamEnum, AllowedValues: spec.AllowedValues}, item)
				if err != nil {
					return nil, err
				}
				items[i] = v.(string)
			}
		}
		return items, nil
	}
	return nil, typeErr(fmt.Errorf("unknown parameter type"))
}

func splitList(raw string) []string {
	raw = strings.NewReplacer(" and ", ",", " or ", ",", ";", ",").Replace(raw)
	var items []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}

// Bind resolves the template's conditional blocks and checks that every
// remaining placeholder has a value.
func Bind(tmpl *models.Template, values map[string]any) (datasource.BoundQuery, error) {
	q := datasource.BoundQuery{
		TemplateID: tmpl.ID,
		Pattern:    datasource.Expand(tmpl.QueryPattern, values),
		Values:     values,
	}
	return q, q.Validate()
}

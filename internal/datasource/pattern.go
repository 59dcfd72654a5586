package datasource

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	blockRe       = regexp.MustCompile(`(?s)\{%\s*if\s+([A-Za-z_][A-Za-z0-9_]*)\s*%\}(.*?)\{%\s*endif\s*%\}`)
)

// Placeholders returns the distinct placeholder names of a query pattern in
// order of first appearance, including those inside conditional blocks.
func Placeholders(pattern string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(pattern, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Conditionals returns the parameter names guarding {% if name %} blocks.
func Conditionals(pattern string) []string {
	var names []string
	for _, m := range blockRe.FindAllStringSubmatch(pattern, -1) {
		names = append(names, m[1])
	}
	return names
}

// Unguarded reports whether name's placeholder appears anywhere except
// inside {% if name %} blocks. Such a placeholder stays unresolved when the
// parameter is absent.
func Unguarded(pattern, name string) bool {
	rest := blockRe.ReplaceAllStringFunc(pattern, func(block string) string {
		if blockRe.FindStringSubmatch(block)[1] == name {
			return ""
		}
		return block
	})
	for _, m := range placeholderRe.FindAllStringSubmatch(rest, -1) {
		if m[1] == name {
			return true
		}
	}
	return false
}

// Expand resolves conditional blocks, keeping a block body only when its
// guarding parameter has a value.
func Expand(pattern string, values map[string]any) string {
	return blockRe.ReplaceAllStringFunc(pattern, func(block string) string {
		m := blockRe.FindStringSubmatch(block)
		if present(values[m[1]]) {
			return m[2]
		}
		return ""
	})
}

func present(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	return true
}

// BoundQuery is a template pattern with its conditional blocks resolved and
// every placeholder paired with a validated value. Drivers render it in
// their own dialect.
type BoundQuery struct {
	TemplateID string
	Pattern    string
	Values     map[string]any
}

func (q BoundQuery) Unresolved() []string {
	var missing []string
	for _, name := range Placeholders(q.Pattern) {
		if v, ok := q.Values[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

func (q BoundQuery) Validate() error {
	if missing := q.Unresolved(); len(missing) > 0 {
		return &errs.UnresolvedPlaceholderError{Template: q.TemplateID, Placeholders: missing}
	}
	if m := blockRe.FindString(q.Pattern); m != "" {
		return fmt.Errorf("template %q: unexpanded conditional block %q", q.TemplateID, m)
	}
	return nil
}

// Positional replaces each placeholder with driver markers and returns the
// argument list in marker order. List values expand to one marker per
// element. marker receives the 1-based argument index.
func (q BoundQuery) Positional(marker func(n int) string) (string, []any) {
	var args []any
	stmt := placeholderRe.ReplaceAllStringFunc(q.Pattern, func(ph string) string {
		name := placeholderRe.FindStringSubmatch(ph)[1]
		v := q.Values[name]
		if items, ok := listItems(v); ok {
			markers := make([]string, len(items))
			for i, item := range items {
				args = append(args, item)
				markers[i] = marker(len(args))
			}
			return strings.Join(markers, ", ")
		}
		args = append(args, v)
		return marker(len(args))
	})
	return stmt, args
}

// Inline substitutes encoded values directly into the pattern. The encoder
// is responsible for escaping in the target syntax.
func (q BoundQuery) Inline(encode func(v any) (string, error)) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(q.Pattern, func(ph string) string {
		name := placeholderRe.FindStringSubmatch(ph)[1]
		s, err := encode(q.Values[name])
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("encode %q: %w", name, err)
		}
		return s
	})
	return out, firstErr
}

func listItems(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func DollarMarker(n int) string { return fmt.Sprintf("$%d", n) }
func QuestionMarker(int) string { return "?" }

package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/HanTheDev/orbit-gateway/internal/models"
)

var (
	integerRe  = regexp.MustCompile(`-?\b\d[\d,]*\b`)
	quotedRe   = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	capRunRe   = regexp.MustCompile(`\b[A-Z][\p{L}'.-]*(?:\s+[A-Z][\p{L}'.-]*)*`)
	isoDateRe  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	usDateRe   = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	longDateRe = regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}\b`)
	relDateRe  = regexp.MustCompile(`(?i)\b(today|yesterday|tomorrow)\b`)
)

// RuleExtractor finds values with pattern rules keyed off the parameter's
// name, aliases and type. It is deterministic and needs no model.
type RuleExtractor struct {
	now func() time.Time
}

func NewRuleExtractor(now func() time.Time) *RuleExtractor {
	if now == nil {
		now = time.Now
	}
	return &RuleExtractor{now: now}
}

func (r *RuleExtractor) Extract(_ context.Context, text string, spec models.ParameterSpec) (string, error) {
	var v string
	switch spec.Type {
	case models.ParamInteger:
		v = r.integer(text, spec)
	case models.ParamString:
		v = r.str(text, spec)
	case models.ParamDate:
		v = r.date(text, spec)
	case models.ParamEnum:
		v = r.enum(text, spec.AllowedValues)
	case models.ParamList:
		v = r.list(text, spec)
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// anchors are the words that usually introduce a parameter in text:
// "customer_id" yields "customer id" and "customer".
func anchors(spec models.ParameterSpec) []string {
	name := strings.ToLower(spec.Name)
	out := []string{strings.ReplaceAll(name, "_", " ")}
	for _, suffix := range []string{"_id", "_name", "_number"} {
		if trimmed := strings.TrimSuffix(name, suffix); trimmed != name {
			out = append(out, strings.ReplaceAll(trimmed, "_", " "))
		}
	}
	out = append(out, spec.Aliases...)

	// longest first so "customer id" wins over "customer"
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func anchorExpr(a string) string {
	return `(?i:\b` + strings.ReplaceAll(regexp.QuoteMeta(a), " ", `\s+`) + `\b)`
}

func (r *RuleExtractor) integer(text string, spec models.ParameterSpec) string {
	for _, a := range anchors(spec) {
		re := regexp.MustCompile(anchorExpr(a) + `\s*(?i:#|id|number|no\.?)?\s*[:=]?\s*(-?\d[\d,]*)\b`)
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return integerRe.FindString(text)
}

func (r *RuleExtractor) str(text string, spec models.ParameterSpec) string {
	for _, a := range anchors(spec) {
		prefix := anchorExpr(a) + `\s*(?i:named|called|is|of)?\s*[:=]?\s*`
		if m := regexp.MustCompile(prefix + `(?:"([^"]+)"|'([^']+)')`).FindStringSubmatch(text); m != nil {
			return firstGroup(m)
		}
		if m := regexp.MustCompile(prefix + `([A-Z][\p{L}'.-]*(?:\s+[A-Z][\p{L}'.-]*)*)`).FindStringSubmatch(text); m != nil {
			return m[1]
		}
		if m := regexp.MustCompile(anchorExpr(a) + `\s*[:=]\s*(\S+)`).FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}

	if m := quotedRe.FindStringSubmatch(text); m != nil {
		return firstGroup(m)
	}
	return properNoun(text)
}

// properNoun returns the first run of two or more capitalized words, or a
// single capitalized word that does not open the sentence.
func properNoun(text string) string {
	var single string
	for _, loc := range capRunRe.FindAllStringIndex(text, -1) {
		run := strings.TrimRight(text[loc[0]:loc[1]], ".")
		if len(strings.Fields(run)) > 1 {
			return run
		}
		if single == "" && loc[0] > 0 {
			single = run
		}
	}
	return single
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

type dateHit struct {
	pos int
	iso string
}

func (r *RuleExtractor) date(text string, spec models.ParameterSpec) string {
	var hits []dateHit
	for _, re := range []*regexp.Regexp{isoDateRe, usDateRe, longDateRe} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			v, err := Coerce(spec, text[loc[0]:loc[1]])
			if err == nil {
				hits = append(hits, dateHit{pos: loc[0], iso: v.(string)})
			}
		}
	}

	today := r.now()
	for _, loc := range relDateRe.FindAllStringSubmatchIndex(text, -1) {
		d := today
		switch strings.ToLower(text[loc[2]:loc[3]]) {
		case "yesterday":
			d = today.AddDate(0, 0, -1)
		case "tomorrow":
			d = today.AddDate(0, 0, 1)
		}
		hits = append(hits, dateHit{pos: loc[0], iso: d.Format("2006-01-02")})
	}

	if len(hits) == 0 {
		return ""
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	// range ends take the last date mentioned
	name := strings.ToLower(spec.Name)
	if len(hits) > 1 && (strings.Contains(name, "end") || strings.HasSuffix(name, "to") || strings.Contains(name, "until")) {
		return hits[len(hits)-1].iso
	}
	return hits[0].iso
}

// enum returns the allowed value mentioned earliest in the text.
func (r *RuleExtractor) enum(text string, allowed []string) string {
	folded := foldCase(text)
	best, bestPos := "", -1
	for _, v := range allowed {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(foldCase(v)) + `\b`)
		if loc := re.FindStringIndex(folded); loc != nil && (bestPos < 0 || loc[0] < bestPos) {
			best, bestPos = v, loc[0]
		}
	}
	return best
}

func (r *RuleExtractor) list(text string, spec models.ParameterSpec) string {
	if len(spec.AllowedValues) > 0 {
		folded := foldCase(text)
		var found []string
		for _, v := range spec.AllowedValues {
			if regexp.MustCompile(`\b` + regexp.QuoteMeta(foldCase(v)) + `\b`).MatchString(folded) {
				found = append(found, v)
			}
		}
		return strings.Join(found, ",")
	}

	for _, a := range anchors(spec) {
		re := regexp.MustCompile(anchorExpr(a) + `\s*(?i:of|in|:)?\s*([^.?!]+)`)
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}

	var quoted []string
	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		quoted = append(quoted, firstGroup(m))
	}
	return strings.Join(quoted, ",")
}

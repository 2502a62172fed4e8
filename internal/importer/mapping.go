package importer

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/isometry/ldapsync/internal/directory"
)

// FieldMapping maps one local record field to a directory attribute or to a
// template expression evaluated against the object.
//
// Expressions are text/template strings with the object as data:
//
//	{{ .Attr "givenName" }} {{ .Attr "sn" | upper }}
//
// An expression that renders to blank text counts as an absent attribute.
type FieldMapping struct {
	Field      string `yaml:"field"`
	Attribute  string `yaml:"attribute"`
	Expression string `yaml:"expression"`
	Required   bool   `yaml:"required"`
	// All keeps every value of a multi-valued attribute instead of the
	// first one.
	All bool `yaml:"all"`
}

// FieldMappings is applied in order.
type FieldMappings []FieldMapping

// CompiledMappings is the run-ready form of FieldMappings.
type CompiledMappings []compiledMapping

type compiledMapping struct {
	FieldMapping
	tmpl *template.Template
}

var expressionFuncs = template.FuncMap{
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
	"join":  func(sep string, values []string) string { return strings.Join(values, sep) },
	"title": func(s string) string { return cases.Title(language.Und).String(s) },
	"default": func(def, value string) string {
		if strings.TrimSpace(value) == "" {
			return def
		}
		return value
	},
}

// Compile validates the mappings and parses their expressions.
func (m FieldMappings) Compile() (CompiledMappings, error) {
	compiled := make(CompiledMappings, 0, len(m))
	seen := make(map[string]struct{}, len(m))

	for i, mapping := range m {
		if mapping.Field == "" {
			return nil, fmt.Errorf("mapping %d: field is required", i)
		}
		if _, dup := seen[mapping.Field]; dup {
			return nil, fmt.Errorf("mapping %q: field is mapped more than once", mapping.Field)
		}
		seen[mapping.Field] = struct{}{}

		switch {
		case mapping.Attribute == "" && mapping.Expression == "":
			return nil, fmt.Errorf("mapping %q: one of attribute or expression is required", mapping.Field)
		case mapping.Attribute != "" && mapping.Expression != "":
			return nil, fmt.Errorf("mapping %q: attribute and expression are mutually exclusive", mapping.Field)
		}

		cm := compiledMapping{FieldMapping: mapping}
		if mapping.Expression != "" {
			tmpl, err := template.New(mapping.Field).
				Funcs(expressionFuncs).
				Option("missingkey=zero").
				Parse(mapping.Expression)
			if err != nil {
				return nil, fmt.Errorf("mapping %q: %w", mapping.Field, err)
			}
			cm.tmpl = tmpl
		}

		compiled = append(compiled, cm)
	}

	return compiled, nil
}

// Fields returns the mapped field names in order.
func (c CompiledMappings) Fields() []string {
	fields := make([]string, len(c))
	for i, m := range c {
		fields[i] = m.Field
	}
	return fields
}

// derive returns the value of the mapping for obj. ok is false when the
// source attribute is absent.
func (m compiledMapping) derive(obj *directory.Object) (value any, ok bool, err error) {
	if m.tmpl == nil {
		if !obj.Has(m.Attribute) {
			return nil, false, nil
		}
		if m.All {
			return slices.Clone(obj.All(m.Attribute)), true, nil
		}
		return obj.First(m.Attribute), true, nil
	}

	var sb strings.Builder
	if err := m.tmpl.Execute(&sb, expressionData{obj: obj}); err != nil {
		var execErr template.ExecError
		if errors.As(err, &execErr) {
			err = execErr.Err
		}
		return nil, false, err
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return nil, false, nil
	}
	return out, true, nil
}

// expressionData is the template data for mapping expressions.
type expressionData struct {
	obj *directory.Object
}

func (d expressionData) Attr(name string) string    { return d.obj.First(name) }
func (d expressionData) Attrs(name string) []string { return d.obj.All(name) }
func (d expressionData) Has(name string) bool       { return d.obj.Has(name) }
func (d expressionData) DN() string                 { return d.obj.DN }
func (d expressionData) RDN() string                { return d.obj.RDN }
func (d expressionData) GUID() string               { return d.obj.GUID }

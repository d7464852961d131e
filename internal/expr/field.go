// Package expr compiles filter conditions and custom groups into parameterized predicates.
package expr

import (
	"regexp"
	"strings"

	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

// Field is an allow-listed field and the expression that reads it.
type Field struct {
	Name string
	Type model.FieldType
	Expr sqlbuilder.Fragment
}

// FieldSet resolves request field names. Anything it cannot resolve is rejected.
type FieldSet interface {
	Resolve(name string, hint model.FieldType) (Field, error)
}

// Extractor reads a key of a dynamic property bag as the given type.
type Extractor func(key string, t model.FieldType) sqlbuilder.Fragment

// Catalog is a static allow-list plus dynamic property prefixes such as "data.".
type Catalog struct {
	Domain  model.InsightType
	fields  map[string]Field
	order   []string
	dynamic map[string]Extractor
}

// NewCatalog creates an empty catalog for a domain.
func NewCatalog(domain model.InsightType) *Catalog {
	return &Catalog{
		Domain:  domain,
		fields:  make(map[string]Field),
		dynamic: make(map[string]Extractor),
	}
}

// Add registers a static field.
func (c *Catalog) Add(name string, t model.FieldType, e sqlbuilder.Fragment) *Catalog {
	if _, ok := c.fields[name]; !ok {
		c.order = append(c.order, name)
	}
	c.fields[name] = Field{Name: name, Type: t, Expr: e}
	return c
}

// AddColumn registers a field read from a column of the same name.
func (c *Catalog) AddColumn(name string, t model.FieldType, qualifier ...string) *Catalog {
	return c.Add(name, t, sqlbuilder.Ident(append(qualifier, name)...))
}

// AddPrefix registers a dynamic property prefix, e.g. "data.".
func (c *Catalog) AddPrefix(prefix string, extract Extractor) *Catalog {
	c.dynamic[prefix] = extract
	return c
}

// Names lists the static fields in registration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

var propertyKey = regexp.MustCompile(`^[A-Za-z0-9_$][A-Za-z0-9_$\-. ]{0,127}$`)

func (c *Catalog) Resolve(name string, hint model.FieldType) (Field, error) {
	if f, ok := c.fields[name]; ok {
		return f, nil
	}
	for prefix, extract := range c.dynamic {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.TrimPrefix(name, prefix)
		if !propertyKey.MatchString(key) {
			break
		}
		if hint == "" {
			hint = model.FieldString
		}
		return Field{Name: name, Type: hint, Expr: extract(key, hint)}, nil
	}
	return Field{}, &model.UnknownFieldError{Domain: c.Domain, Field: name}
}

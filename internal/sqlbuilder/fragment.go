// Package sqlbuilder holds the structured query representation produced by the
// insight builders. Values are always carried as bound arguments and only turned
// into dialect text by Render.
package sqlbuilder

import (
	"strings"
	"time"

	"insights-engine/internal/model"
)

type partKind int

const (
	partRaw partKind = iota
	partArg
	partIdent
	partNode
)

type part struct {
	kind  partKind
	text  string
	arg   any
	ident []string
	node  node
}

// node is a dialect specific construct expanded at render time.
type node interface {
	writeTo(w *writer) error
}

// Fragment is a piece of SQL made of raw text, bound arguments, identifiers and dialect nodes.
type Fragment struct {
	parts []part
}

// IsZero reports whether the fragment renders to nothing.
func (f Fragment) IsZero() bool {
	return len(f.parts) == 0
}

// Raw wraps trusted SQL text. Never pass request values through Raw.
func Raw(text string) Fragment {
	return Fragment{parts: []part{{kind: partRaw, text: text}}}
}

// Arg binds a value as a placeholder.
func Arg(v any) Fragment {
	return Fragment{parts: []part{{kind: partArg, arg: v}}}
}

// Ident is a quoted, optionally qualified identifier such as t.created_at.
func Ident(path ...string) Fragment {
	return Fragment{parts: []part{{kind: partIdent, ident: path}}}
}

// SQL concatenates items: strings are raw text, fragments are inlined, anything else is bound.
func SQL(items ...any) Fragment {
	var f Fragment
	for _, item := range items {
		switch v := item.(type) {
		case string:
			f.parts = append(f.parts, part{kind: partRaw, text: v})
		case Fragment:
			f.parts = append(f.parts, v.parts...)
		default:
			f.parts = append(f.parts, part{kind: partArg, arg: v})
		}
	}
	return f
}

// Join joins fragments with a raw separator, skipping empty ones.
func Join(sep string, frags ...Fragment) Fragment {
	var f Fragment
	first := true
	for _, frag := range frags {
		if frag.IsZero() {
			continue
		}
		if !first {
			f.parts = append(f.parts, part{kind: partRaw, text: sep})
		}
		f.parts = append(f.parts, frag.parts...)
		first = false
	}
	return f
}

// Paren wraps a fragment in parentheses.
func Paren(f Fragment) Fragment {
	return SQL("(", f, ")")
}

// As aliases an expression.
func As(f Fragment, alias string) Fragment {
	return SQL(f, " AS ", Ident(alias))
}

// TimeKind describes how a time column is physically stored.
type TimeKind int

const (
	TimeNative TimeKind = iota
	TimeUnixSeconds
	TimeUnixMillis
	TimeDate
	TimeDateString
)

// Bucket formats expr as the wall-clock start of its bucket in tz. An empty tz skips conversion.
func Bucket(expr Fragment, unit model.Unit, tz string) Fragment {
	return Fragment{parts: []part{{kind: partNode, node: bucketNode{expr: expr, unit: unit, tz: tz}}}}
}

// ToDateTime converts a stored time column of the given kind into a date-time expression.
func ToDateTime(expr Fragment, kind TimeKind) Fragment {
	if kind == TimeNative {
		return expr
	}
	return Fragment{parts: []part{{kind: partNode, node: dateTimeNode{expr: expr, kind: kind}}}}
}

// Instant binds a point in time compared against a time column. Values other than
// time.Time are bound unchanged.
func Instant(v any) Fragment {
	return Fragment{parts: []part{{kind: partNode, node: instantNode{value: v}}}}
}

// Quantile computes the level quantile of expr.
func Quantile(level float64, expr Fragment) Fragment {
	return Fragment{parts: []part{{kind: partNode, node: quantileNode{level: level, expr: expr}}}}
}

// Sub embeds a query as a parenthesized subquery.
func Sub(q *Query) Fragment {
	return Fragment{parts: []part{{kind: partNode, node: subqueryNode{query: q}}}}
}

type bucketNode struct {
	expr Fragment
	unit model.Unit
	tz   string
}

func (n bucketNode) writeTo(w *writer) error {
	f, err := w.dialect.bucket(n.expr, n.unit, n.tz)
	if err != nil {
		return err
	}
	return w.write(f)
}

type dateTimeNode struct {
	expr Fragment
	kind TimeKind
}

func (n dateTimeNode) writeTo(w *writer) error {
	return w.write(w.dialect.toDateTime(n.expr, n.kind))
}

type instantNode struct {
	value any
}

func (n instantNode) writeTo(w *writer) error {
	t, ok := n.value.(time.Time)
	if !ok {
		return w.write(Arg(n.value))
	}
	return w.write(w.dialect.instant(t))
}

type quantileNode struct {
	level float64
	expr  Fragment
}

func (n quantileNode) writeTo(w *writer) error {
	f, err := w.dialect.quantile(n.level, n.expr)
	if err != nil {
		return err
	}
	return w.write(f)
}

// subqueryNode shares the parent's writer so placeholders stay sequential.
type subqueryNode struct {
	query *Query
}

func (n subqueryNode) writeTo(w *writer) error {
	w.sb.WriteByte('(')
	if err := w.query(n.query); err != nil {
		return err
	}
	w.sb.WriteByte(')')
	return nil
}

type writer struct {
	dialect Dialect
	sb      strings.Builder
	args    []any
}

func (w *writer) write(f Fragment) error {
	for _, p := range f.parts {
		switch p.kind {
		case partRaw:
			w.sb.WriteString(p.text)
		case partArg:
			w.args = append(w.args, p.arg)
			w.sb.WriteString(w.dialect.Placeholder(len(w.args)))
		case partIdent:
			for i, name := range p.ident {
				if i > 0 {
					w.sb.WriteByte('.')
				}
				w.sb.WriteString(w.dialect.QuoteIdent(name))
			}
		case partNode:
			if err := p.node.writeTo(w); err != nil {
				return err
			}
		}
	}
	return nil
}

// Render renders a standalone fragment.
func (f Fragment) Render(d Dialect) (string, []any, error) {
	w := &writer{dialect: d}
	if err := w.write(f); err != nil {
		return "", nil, err
	}
	return w.sb.String(), w.args, nil
}

// Package insight builds per-domain statements for insight queries, event listings and retention.
package insight

import (
	"context"
	"time"

	"insights-engine/internal/expr"
	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

// Request is a validated query with its resolved time context.
type Request struct {
	Query    model.InsightQuery
	Start    time.Time
	End      time.Time
	Unit     model.Unit
	Location *time.Location
}

// NewRequest resolves a query's range in loc with the given bucket unit.
func NewRequest(q model.InsightQuery, unit model.Unit, loc *time.Location) Request {
	return Request{
		Query:    q,
		Start:    q.Time.Start(),
		End:      q.Time.End(),
		Unit:     unit,
		Location: loc,
	}
}

// WithRange returns a copy of the request over another range.
func (r Request) WithRange(start, end time.Time) Request {
	r.Start, r.End = start, end
	return r
}

func (r Request) compiler(fields expr.FieldSet) expr.Compiler {
	return expr.Compiler{Fields: fields, Location: r.Location}
}

// Builder compiles one insight domain. Implementations hold no per-request state.
type Builder interface {
	Name() string
	Domain() model.InsightType
	// Build returns the aggregate statement for the request.
	Build(req Request) (sqlbuilder.Statement, error)
	// BuildEvents returns one keyset page (limit+1 rows) of raw events after the cursor.
	BuildEvents(req Request, after *Cursor, limit int) (sqlbuilder.Statement, error)
	// Event converts a listing row into an event.
	Event(row model.Row) (model.InsightEvent, error)
}

// Executor runs a statement against its store.
type Executor interface {
	Execute(ctx context.Context, stmt sqlbuilder.Statement) ([]model.Row, error)
}

// aggregate is the common shape of every series statement:
// bucket, then groups, then metrics, grouped by position and ordered by bucket.
type aggregate struct {
	bucket  sqlbuilder.Fragment
	groups  []sqlbuilder.Fragment
	metrics []sqlbuilder.Fragment
	from    sqlbuilder.Fragment
	joins   []sqlbuilder.JoinClause
	where   []sqlbuilder.Fragment
}

func (a aggregate) query() *sqlbuilder.Query {
	selects := make([]sqlbuilder.Fragment, 0, 1+len(a.groups)+len(a.metrics))
	selects = append(selects, sqlbuilder.As(a.bucket, model.DateColumn))
	for i, g := range a.groups {
		selects = append(selects, sqlbuilder.As(g, model.GroupColumn(i)))
	}
	for i, m := range a.metrics {
		selects = append(selects, sqlbuilder.As(m, model.MetricColumn(i)))
	}
	return &sqlbuilder.Query{
		Select:  selects,
		From:    a.from,
		Joins:   a.joins,
		Where:   a.where,
		GroupBy: sqlbuilder.Ordinals(1 + len(a.groups)),
		OrderBy: []sqlbuilder.Fragment{sqlbuilder.Raw("1")},
	}
}

func groupExprs(c expr.Compiler, groups []model.GroupSpec) ([]sqlbuilder.Fragment, error) {
	out := make([]sqlbuilder.Fragment, 0, len(groups))
	for _, g := range groups {
		f, err := c.GroupExpr(g)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// numericField resolves the column aggregated by sum, avg and percentile math.
func numericField(fields expr.FieldSet, m model.Metric) (expr.Field, error) {
	f, err := fields.Resolve(m.Name, model.FieldNumber)
	if err != nil {
		return expr.Field{}, err
	}
	if f.Type != model.FieldNumber {
		return expr.Field{}, &model.InvalidOperatorForTypeError{Field: m.Name, Operator: string(m.Math), Type: f.Type}
	}
	return f, nil
}

// valueAggregate builds sum, avg and percentile aggregates over a numeric expression.
func valueAggregate(d sqlbuilder.Dialect, m model.Metric, value sqlbuilder.Fragment) (sqlbuilder.Fragment, error) {
	switch m.Math {
	case model.MathSum:
		return sqlbuilder.SQL("sum(", value, ")"), nil
	case model.MathAvg:
		return sqlbuilder.SQL("avg(", value, ")"), nil
	}
	level, ok := m.Math.Percentile()
	if !ok {
		return sqlbuilder.Fragment{}, model.NewValidationError("math %q does not aggregate values", m.Math)
	}
	if !d.SupportsQuantile() {
		return sqlbuilder.Fragment{}, model.NewValidationError("math %q is not supported by the %s store", m.Math, d.Name())
	}
	return sqlbuilder.Quantile(level, value), nil
}

// numericMetric resolves and aggregates a sum, avg or percentile metric.
func numericMetric(d sqlbuilder.Dialect, fields expr.FieldSet, m model.Metric) (sqlbuilder.Fragment, error) {
	f, err := numericField(fields, m)
	if err != nil {
		return sqlbuilder.Fragment{}, err
	}
	return valueAggregate(d, m, f.Expr)
}

// source identifies the builder a statement comes from.
type source interface {
	Name() string
	Domain() model.InsightType
}

func statement(b source, d sqlbuilder.Dialect, name string, q *sqlbuilder.Query) sqlbuilder.Statement {
	return sqlbuilder.Statement{
		Name:    name,
		Domain:  b.Domain(),
		Builder: b.Name(),
		Dialect: d,
		Query:   q,
	}
}

// Statement names.
const (
	StatementSeries   = "series"
	StatementPrevious = "previous"
	StatementEvents   = "events"
	StatementCohorts  = "cohorts"
	StatementReturns  = "returns"
)

// Event listing column aliases.
const (
	eventTSColumn = "event_ts"
	eventIDColumn = "event_id"
)

// listing is the common shape of an event page statement ordered by (ts, id) descending.
type listing struct {
	ts      sqlbuilder.Fragment
	id      sqlbuilder.Fragment
	columns []sqlbuilder.Fragment
	from    sqlbuilder.Fragment
	joins   []sqlbuilder.JoinClause
	where   []sqlbuilder.Fragment
}

func (l listing) query(after *Cursor, limit int) *sqlbuilder.Query {
	selects := []sqlbuilder.Fragment{sqlbuilder.As(l.ts, eventTSColumn), sqlbuilder.As(l.id, eventIDColumn)}
	selects = append(selects, l.columns...)

	where := append([]sqlbuilder.Fragment(nil), l.where...)
	if after != nil {
		where = append(where, sqlbuilder.SQL(
			"(", l.ts, " < ", sqlbuilder.Instant(after.TS), " OR (", l.ts, " = ", sqlbuilder.Instant(after.TS),
			" AND ", l.id, " < ", sqlbuilder.Arg(after.ID), "))",
		))
	}
	return &sqlbuilder.Query{
		Select:  selects,
		From:    l.from,
		Joins:   l.joins,
		Where:   where,
		OrderBy: []sqlbuilder.Fragment{sqlbuilder.SQL(l.ts, " DESC"), sqlbuilder.SQL(l.id, " DESC")},
		Limit:   limit + 1,
	}
}

// eventNames lists the named events requested by count metrics, or nil when any metric
// needs rows regardless of event name.
func eventNames(metrics []model.Metric, sentinels ...string) []any {
	var names []any
	for _, m := range metrics {
		if m.Name == model.AllEvent || m.Math.RequiresNumeric() {
			return nil
		}
		for _, s := range sentinels {
			if m.Name == s {
				return nil
			}
		}
		names = append(names, m.Name)
	}
	return names
}

func argList(values []any) sqlbuilder.Fragment {
	args := make([]sqlbuilder.Fragment, 0, len(values))
	for _, v := range values {
		args = append(args, sqlbuilder.Arg(v))
	}
	return sqlbuilder.Join(", ", args...)
}

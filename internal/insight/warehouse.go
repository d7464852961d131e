package insight

import (
	"fmt"
	"strconv"
	"time"

	"insights-engine/internal/expr"
	"insights-engine/internal/model"
	"insights-engine/internal/registry"
	"insights-engine/internal/sqlbuilder"
	"insights-engine/internal/timeseries"
)

const warehouseAlias = "e"

// timeAxis is how a warehouse table is filtered and bucketed by time.
type timeAxis struct {
	where sqlbuilder.Fragment
	value sqlbuilder.Fragment
	// tz is empty when value is already a wall-clock date.
	tz string
}

func (a timeAxis) bucket(unit model.Unit) sqlbuilder.Fragment {
	return sqlbuilder.Bucket(a.value, unit, a.tz)
}

// useDateColumn reports whether the date column can replace the timestamp column.
func useDateColumn(dateColumn string, start, end time.Time, unit model.Unit) bool {
	if dateColumn == "" || end.Sub(start) < 24*time.Hour {
		return false
	}
	return unit == model.UnitDay || unit == model.UnitMonth || unit == model.UnitYear
}

func storedTime(t time.Time, kind registry.TimeFieldType) any {
	switch kind {
	case registry.TimeFieldTimestamp:
		return t.Unix()
	case registry.TimeFieldDate:
		return t.UTC().Format("2006-01-02")
	case registry.TimeFieldDatetime:
		return t.UTC().Format("2006-01-02 15:04:05")
	default:
		return t.UnixMilli()
	}
}

func newTimeAxis(column, dateColumn string, kind registry.TimeFieldType, start, end time.Time, dateBased bool, loc *time.Location) timeAxis {
	if dateBased {
		col := sqlbuilder.Ident(warehouseAlias, dateColumn)
		first := timeseries.Floor(start, model.UnitDay, loc).Format("2006-01-02")
		last := timeseries.Floor(end, model.UnitDay, loc).Format("2006-01-02")
		return timeAxis{
			where: sqlbuilder.SQL(col, " BETWEEN ", sqlbuilder.Arg(first), " AND ", sqlbuilder.Arg(last)),
			value: col,
		}
	}
	col := sqlbuilder.Ident(warehouseAlias, column)
	return timeAxis{
		where: sqlbuilder.SQL(col, " BETWEEN ", sqlbuilder.Arg(storedTime(start, kind)), " AND ", sqlbuilder.Arg(storedTime(end, kind))),
		value: sqlbuilder.ToDateTime(col, kind.Kind()),
		tz:    loc.String(),
	}
}

// warehouseTime reads a stored created-at value as an instant.
func warehouseTime(v any, kind registry.TimeFieldType) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case int64:
		if kind == registry.TimeFieldTimestamp {
			return time.Unix(val, 0).UTC()
		}
		return time.UnixMilli(val).UTC()
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t
			}
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return warehouseTime(n, kind)
		}
	}
	return time.Time{}
}

// WarehouseWide reads a registered one-row-per-event table.
type WarehouseWide struct {
	app    registry.Application
	fields *expr.Catalog
}

// NewWarehouseWide builds the field allow-list from the application's declared fields.
func NewWarehouseWide(app registry.Application) *WarehouseWide {
	c := expr.NewCatalog(model.InsightTypeWarehouseWide)
	for _, f := range app.Fields {
		c.AddColumn(f.Name, f.FieldType(), warehouseAlias)
	}
	if _, err := c.Resolve(app.DistinctField, ""); err != nil {
		c.AddColumn(app.DistinctField, model.FieldString, warehouseAlias)
	}
	return &WarehouseWide{app: app, fields: c}
}

func (b *WarehouseWide) Name() string              { return "warehouse-wide" }
func (b *WarehouseWide) Domain() model.InsightType { return model.InsightTypeWarehouseWide }

func (b *WarehouseWide) statement(name string, q *sqlbuilder.Query) sqlbuilder.Statement {
	st := statement(b, b.app.Dialect(), name, q)
	st.Target = b.app.DatabaseURL
	return st
}

func (b *WarehouseWide) from() sqlbuilder.Fragment {
	return sqlbuilder.SQL(sqlbuilder.Ident(b.app.TableName), " AS ", sqlbuilder.Ident(warehouseAlias))
}

func (b *WarehouseWide) axis(req Request) timeAxis {
	dateBased := useDateColumn(b.app.DateBasedCreatedAtField, req.Start, req.End, req.Unit)
	return newTimeAxis(b.app.CreatedAtField, b.app.DateBasedCreatedAtField, b.app.TimeType(), req.Start, req.End, dateBased, req.Location)
}

func (b *WarehouseWide) metric(m model.Metric) (sqlbuilder.Fragment, error) {
	if m.Math.RequiresNumeric() {
		return numericMetric(b.app.Dialect(), b.fields, m)
	}

	distinct := sqlbuilder.Ident(warehouseAlias, b.app.DistinctField)
	if m.Name == model.AllEvent {
		switch m.Math {
		case model.MathEvents:
			return sqlbuilder.Raw("count(*)"), nil
		case model.MathSessions, model.MathUniques:
			return sqlbuilder.SQL("count(DISTINCT ", distinct, ")"), nil
		}
	}

	f, err := b.fields.Resolve(m.Name, "")
	if err != nil {
		return sqlbuilder.Fragment{}, err
	}
	switch m.Math {
	case model.MathEvents:
		return sqlbuilder.SQL("count(", f.Expr, ")"), nil
	case model.MathSessions, model.MathUniques:
		return sqlbuilder.SQL("count(DISTINCT CASE WHEN ", f.Expr, " IS NOT NULL THEN ", distinct, " END)"), nil
	}
	return sqlbuilder.Fragment{}, model.NewValidationError("math %q is not supported for warehouse insights", m.Math)
}

func (b *WarehouseWide) Build(req Request) (sqlbuilder.Statement, error) {
	c := req.compiler(b.fields)

	metrics := make([]sqlbuilder.Fragment, 0, len(req.Query.Metrics))
	for _, m := range req.Query.Metrics {
		f, err := b.metric(m)
		if err != nil {
			return sqlbuilder.Statement{}, err
		}
		metrics = append(metrics, f)
	}
	groups, err := groupExprs(c, req.Query.Groups)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}
	filters, err := c.CompileAll(req.Query.Filters)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}

	axis := b.axis(req)
	q := aggregate{
		bucket:  axis.bucket(req.Unit),
		groups:  groups,
		metrics: metrics,
		from:    b.from(),
		where:   append([]sqlbuilder.Fragment{axis.where}, filters...),
	}.query()
	return b.statement(StatementSeries, q), nil
}

func (b *WarehouseWide) BuildEvents(req Request, after *Cursor, limit int) (sqlbuilder.Statement, error) {
	if b.app.IDField == "" {
		return sqlbuilder.Statement{}, model.NewValidationError("warehouse application %q has no idField for event listing", b.app.Name)
	}
	filters, err := req.compiler(b.fields).CompileAll(req.Query.Filters)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}
	axis := newTimeAxis(b.app.CreatedAtField, "", b.app.TimeType(), req.Start, req.End, false, req.Location)
	l := listing{
		ts:    sqlbuilder.Ident(warehouseAlias, b.app.CreatedAtField),
		id:    sqlbuilder.Ident(warehouseAlias, b.app.IDField),
		from:  b.from(),
		where: append([]sqlbuilder.Fragment{axis.where}, filters...),
	}
	for _, name := range b.fields.Names() {
		l.columns = append(l.columns, sqlbuilder.Ident(warehouseAlias, name))
	}
	return b.statement(StatementEvents, l.query(after, limit)), nil
}

func (b *WarehouseWide) Event(row model.Row) (model.InsightEvent, error) {
	return model.InsightEvent{
		ID:         fmt.Sprint(row[eventIDColumn]),
		Name:       b.app.Name,
		CreatedAt:  warehouseTime(row[eventTSColumn], b.app.TimeType()),
		Properties: properties(row),
	}, nil
}

package insight

import (
	"fmt"

	"insights-engine/internal/expr"
	"insights-engine/internal/model"
	"insights-engine/internal/registry"
	"insights-engine/internal/sqlbuilder"
)

const (
	eventNameColumn = "event_name"
	sessionColumn   = "session_id"
)

// WarehouseLong reads a registered event table whose attributes live in a
// parameters table keyed by name.
type WarehouseLong struct {
	app    registry.Application
	params map[string]registry.FieldDef
	static *expr.Catalog
}

// NewWarehouseLong indexes the application's declared parameters.
func NewWarehouseLong(app registry.Application) *WarehouseLong {
	b := &WarehouseLong{
		app:    app,
		params: make(map[string]registry.FieldDef, len(app.Parameters)),
		static: expr.NewCatalog(model.InsightTypeWarehouseLong),
	}
	for _, p := range app.Parameters {
		b.params[p.Name] = p
	}
	b.static.Add("eventName", model.FieldString, sqlbuilder.Ident(warehouseAlias, app.EventTable.EventNameField))
	if app.EventTable.SessionIDField != "" {
		b.static.Add("sessionId", model.FieldString, sqlbuilder.Ident(warehouseAlias, app.EventTable.SessionIDField))
	}
	return b
}

func (b *WarehouseLong) Name() string              { return "warehouse-long" }
func (b *WarehouseLong) Domain() model.InsightType { return model.InsightTypeWarehouseLong }

// paramJoins resolves parameter names for one statement, adding a join per distinct parameter.
type paramJoins struct {
	b       *WarehouseLong
	aliases map[string]string
	joins   []sqlbuilder.JoinClause
}

func (b *WarehouseLong) newJoins() *paramJoins {
	return &paramJoins{b: b, aliases: make(map[string]string)}
}

func (p *paramJoins) Resolve(name string, hint model.FieldType) (expr.Field, error) {
	if f, err := p.b.static.Resolve(name, hint); err == nil {
		return f, nil
	}
	def, ok := p.b.params[name]
	if !ok {
		return expr.Field{}, &model.UnknownFieldError{Domain: model.InsightTypeWarehouseLong, Field: name}
	}

	pt := p.b.app.EventParametersTable
	et := p.b.app.EventTable
	alias, ok := p.aliases[name]
	if !ok {
		alias = fmt.Sprintf("p%d", len(p.aliases))
		p.aliases[name] = alias

		var key sqlbuilder.Fragment
		if et.IDField != "" && pt.EventIDField != "" {
			key = sqlbuilder.SQL(sqlbuilder.Ident(alias, pt.EventIDField), " = ", sqlbuilder.Ident(warehouseAlias, et.IDField))
		} else {
			key = sqlbuilder.SQL(sqlbuilder.Ident(alias, pt.EventNameField), " = ", sqlbuilder.Ident(warehouseAlias, et.EventNameField))
		}
		p.joins = append(p.joins, sqlbuilder.JoinClause{
			Kind:  "LEFT JOIN",
			Table: sqlbuilder.SQL(sqlbuilder.Ident(pt.Name), " AS ", sqlbuilder.Ident(alias)),
			On:    sqlbuilder.SQL(key, " AND ", sqlbuilder.Ident(alias, pt.ParamsNameField), " = ", sqlbuilder.Arg(name)),
		})
	}

	t := def.FieldType()
	return expr.Field{Name: name, Type: t, Expr: sqlbuilder.Ident(alias, pt.ValueField(t))}, nil
}

func (b *WarehouseLong) statement(name string, q *sqlbuilder.Query) sqlbuilder.Statement {
	st := statement(b, b.app.Dialect(), name, q)
	st.Target = b.app.DatabaseURL
	return st
}

func (b *WarehouseLong) from() sqlbuilder.Fragment {
	return sqlbuilder.SQL(sqlbuilder.Ident(b.app.EventTable.Name), " AS ", sqlbuilder.Ident(warehouseAlias))
}

func (b *WarehouseLong) timeType() registry.TimeFieldType {
	if b.app.EventTable.CreatedAtFieldType == "" {
		return registry.TimeFieldTimestampMs
	}
	return b.app.EventTable.CreatedAtFieldType
}

func (b *WarehouseLong) metric(fields *paramJoins, m model.Metric) (sqlbuilder.Fragment, error) {
	if m.Math.RequiresNumeric() {
		return numericMetric(b.app.Dialect(), fields, m)
	}

	et := b.app.EventTable
	eventName := sqlbuilder.Ident(warehouseAlias, et.EventNameField)
	switch m.Math {
	case model.MathEvents:
		if m.Name == model.AllEvent {
			return sqlbuilder.Raw("count(*)"), nil
		}
		return sqlbuilder.SQL("sum(CASE WHEN ", eventName, " = ", sqlbuilder.Arg(m.Name), " THEN 1 ELSE 0 END)"), nil
	case model.MathSessions, model.MathUniques:
		if et.SessionIDField == "" {
			return sqlbuilder.Fragment{}, model.NewValidationError("application %q has no sessionIdField for %s math", b.app.Name, m.Math)
		}
		session := sqlbuilder.Ident(warehouseAlias, et.SessionIDField)
		if m.Name == model.AllEvent {
			return sqlbuilder.SQL("count(DISTINCT ", session, ")"), nil
		}
		return sqlbuilder.SQL("count(DISTINCT CASE WHEN ", eventName, " = ", sqlbuilder.Arg(m.Name), " THEN ", session, " END)"), nil
	}
	return sqlbuilder.Fragment{}, model.NewValidationError("math %q is not supported for warehouse insights", m.Math)
}

func (b *WarehouseLong) axis(req Request) timeAxis {
	et := b.app.EventTable
	dateBased := useDateColumn(et.DateBasedCreatedAtField, req.Start, req.End, req.Unit)
	return newTimeAxis(et.CreatedAtField, et.DateBasedCreatedAtField, b.timeType(), req.Start, req.End, dateBased, req.Location)
}

func (b *WarehouseLong) Build(req Request) (sqlbuilder.Statement, error) {
	fields := b.newJoins()
	c := req.compiler(fields)

	metrics := make([]sqlbuilder.Fragment, 0, len(req.Query.Metrics))
	for _, m := range req.Query.Metrics {
		f, err := b.metric(fields, m)
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
	where := append([]sqlbuilder.Fragment{axis.where}, filters...)
	if names := eventNames(req.Query.Metrics); len(names) > 0 {
		where = append(where, sqlbuilder.SQL(sqlbuilder.Ident(warehouseAlias, b.app.EventTable.EventNameField), " IN (", argList(names), ")"))
	}

	q := aggregate{
		bucket:  axis.bucket(req.Unit),
		groups:  groups,
		metrics: metrics,
		from:    b.from(),
		joins:   fields.joins,
		where:   where,
	}.query()
	return b.statement(StatementSeries, q), nil
}

func (b *WarehouseLong) BuildEvents(req Request, after *Cursor, limit int) (sqlbuilder.Statement, error) {
	et := b.app.EventTable
	if et.IDField == "" {
		return sqlbuilder.Statement{}, model.NewValidationError("warehouse application %q has no idField for event listing", b.app.Name)
	}
	fields := b.newJoins()
	filters, err := req.compiler(fields).CompileAll(req.Query.Filters)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}

	axis := newTimeAxis(et.CreatedAtField, "", b.timeType(), req.Start, req.End, false, req.Location)
	columns := []sqlbuilder.Fragment{sqlbuilder.As(sqlbuilder.Ident(warehouseAlias, et.EventNameField), eventNameColumn)}
	if et.SessionIDField != "" {
		columns = append(columns, sqlbuilder.As(sqlbuilder.Ident(warehouseAlias, et.SessionIDField), sessionColumn))
	}
	l := listing{
		ts:      sqlbuilder.Ident(warehouseAlias, et.CreatedAtField),
		id:      sqlbuilder.Ident(warehouseAlias, et.IDField),
		columns: columns,
		from:    b.from(),
		joins:   fields.joins,
		where:   append([]sqlbuilder.Fragment{axis.where}, filters...),
	}
	return b.statement(StatementEvents, l.query(after, limit)), nil
}

func (b *WarehouseLong) Event(row model.Row) (model.InsightEvent, error) {
	return model.InsightEvent{
		ID:         fmt.Sprint(row[eventIDColumn]),
		Name:       fmt.Sprint(row[eventNameColumn]),
		CreatedAt:  warehouseTime(row[eventTSColumn], b.timeType()),
		Properties: properties(row, eventNameColumn),
	}, nil
}

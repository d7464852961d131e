package insight

import (
	"encoding/json"
	"fmt"

	"insights-engine/internal/expr"
	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
	"insights-engine/internal/timeseries"
)

const (
	websiteTable         = "website_events"
	websitePageViewEvent = 1
)

func jsonExtract(column string) expr.Extractor {
	return func(key string, t model.FieldType) sqlbuilder.Fragment {
		col := sqlbuilder.Ident(column)
		switch t {
		case model.FieldNumber:
			return sqlbuilder.SQL("JSONExtractFloat(", col, ", ", sqlbuilder.Arg(key), ")")
		case model.FieldBoolean:
			return sqlbuilder.SQL("JSONExtractBool(", col, ", ", sqlbuilder.Arg(key), ")")
		case model.FieldDate:
			return sqlbuilder.SQL("parseDateTime64BestEffortOrNull(JSONExtractString(", col, ", ", sqlbuilder.Arg(key), "), 3, 'UTC')")
		default:
			return sqlbuilder.SQL("JSONExtractString(", col, ", ", sqlbuilder.Arg(key), ")")
		}
	}
}

var websiteFields = expr.NewCatalog(model.InsightTypeWebsite).
	Add("eventName", model.FieldString, sqlbuilder.Ident("event_name")).
	Add("sessionId", model.FieldString, sqlbuilder.Ident("session_id")).
	Add("visitorId", model.FieldString, sqlbuilder.Ident("visitor_id")).
	Add("urlPath", model.FieldString, sqlbuilder.Ident("url_path")).
	Add("referrerDomain", model.FieldString, sqlbuilder.Ident("referrer_domain")).
	Add("pageTitle", model.FieldString, sqlbuilder.Ident("page_title")).
	Add("hostname", model.FieldString, sqlbuilder.Ident("hostname")).
	AddColumn("browser", model.FieldString).
	AddColumn("os", model.FieldString).
	AddColumn("device", model.FieldString).
	AddColumn("screen", model.FieldString).
	AddColumn("language", model.FieldString).
	AddColumn("country", model.FieldString).
	AddColumn("subdivision1", model.FieldString).
	AddColumn("city", model.FieldString).
	Add("createdAt", model.FieldDate, sqlbuilder.Ident("created_at")).
	AddPrefix("data.", jsonExtract("event_data"))

// Website reads site traffic telemetry from ClickHouse.
type Website struct{}

func (Website) Name() string              { return "website" }
func (Website) Domain() model.InsightType { return model.InsightTypeWebsite }

func (b Website) scope(req Request) []sqlbuilder.Fragment {
	created := sqlbuilder.Ident("created_at")
	return []sqlbuilder.Fragment{
		sqlbuilder.SQL(sqlbuilder.Ident("workspace_id"), " = ", sqlbuilder.Arg(req.Query.WorkspaceID)),
		sqlbuilder.SQL(sqlbuilder.Ident("website_id"), " = ", sqlbuilder.Arg(req.Query.InsightID)),
		sqlbuilder.SQL(created, " >= ", sqlbuilder.Instant(req.Start), " AND ", created, " <= ", sqlbuilder.Instant(req.End)),
	}
}

func (b Website) eventMatch(name string) sqlbuilder.Fragment {
	if name == model.PageView {
		// page views are the pageview-typed rows that carry no custom event name
		eventName := sqlbuilder.Ident("event_name")
		return sqlbuilder.SQL(
			"(", eventName, " IS NULL OR ", eventName, " = '') AND ",
			sqlbuilder.Ident("event_type"), " = ", sqlbuilder.Arg(websitePageViewEvent),
		)
	}
	return sqlbuilder.SQL(sqlbuilder.Ident("event_name"), " = ", sqlbuilder.Arg(name))
}

func (b Website) metric(m model.Metric) (sqlbuilder.Fragment, error) {
	if m.Math.RequiresNumeric() {
		return numericMetric(sqlbuilder.ClickHouse, websiteFields, m)
	}

	all := m.Name == model.AllEvent
	switch m.Math {
	case model.MathEvents:
		if all {
			return sqlbuilder.Raw("count()"), nil
		}
		return sqlbuilder.SQL("countIf(", b.eventMatch(m.Name), ")"), nil
	case model.MathSessions, model.MathUniques:
		column := sqlbuilder.Ident("session_id")
		if m.Math == model.MathUniques {
			column = sqlbuilder.Ident("visitor_id")
		}
		if all {
			return sqlbuilder.SQL("uniqExact(", column, ")"), nil
		}
		return sqlbuilder.SQL("uniqExactIf(", column, ", ", b.eventMatch(m.Name), ")"), nil
	}
	return sqlbuilder.Fragment{}, model.NewValidationError("math %q is not supported for website insights", m.Math)
}

func (b Website) Build(req Request) (sqlbuilder.Statement, error) {
	c := req.compiler(websiteFields)

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

	where := append(b.scope(req), filters...)
	if names := eventNames(req.Query.Metrics); names != nil {
		matches := make([]sqlbuilder.Fragment, 0, len(names))
		for _, n := range names {
			matches = append(matches, b.eventMatch(n.(string)))
		}
		where = append(where, sqlbuilder.Paren(sqlbuilder.Join(" OR ", matches...)))
	}

	q := aggregate{
		bucket:  timeseries.TruncateExpr(sqlbuilder.Ident("created_at"), req.Unit, req.Location),
		groups:  groups,
		metrics: metrics,
		from:    sqlbuilder.Ident(websiteTable),
		where:   where,
	}.query()
	return statement(b, sqlbuilder.ClickHouse, StatementSeries, q), nil
}

func (b Website) BuildEvents(req Request, after *Cursor, limit int) (sqlbuilder.Statement, error) {
	filters, err := req.compiler(websiteFields).CompileAll(req.Query.Filters)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}
	columns := []string{
		"event_type", "event_name", "session_id", "visitor_id", "url_path", "referrer_domain",
		"browser", "os", "device", "language", "country", "subdivision1", "city", "event_data",
	}
	l := listing{
		ts:    sqlbuilder.Ident("created_at"),
		id:    sqlbuilder.Ident("id"),
		from:  sqlbuilder.Ident(websiteTable),
		where: append(b.scope(req), filters...),
	}
	for _, col := range columns {
		l.columns = append(l.columns, sqlbuilder.Ident(col))
	}
	return statement(b, sqlbuilder.ClickHouse, StatementEvents, l.query(after, limit)), nil
}

func (b Website) Event(row model.Row) (model.InsightEvent, error) {
	id, createdAt := eventBase(row)
	name, _ := row["event_name"].(string)
	if name == "" && fmt.Sprint(row["event_type"]) == fmt.Sprint(websitePageViewEvent) {
		name = model.PageView
	}

	props := properties(row, "event_name", "event_type", "event_data")
	if raw, ok := row["event_data"].(string); ok && raw != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return model.InsightEvent{}, fmt.Errorf("decode event_data: %w", err)
		}
		for k, v := range data {
			props["data."+k] = v
		}
	}
	return model.InsightEvent{ID: id, Name: name, CreatedAt: createdAt, Properties: props}, nil
}

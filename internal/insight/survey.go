package insight

import (
	"encoding/json"
	"strings"

	"insights-engine/internal/expr"
	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
	"insights-engine/internal/timeseries"
)

const (
	surveyResultTable = "SurveyResult"
	surveyTable       = "Survey"
	surveyAlias       = "r"
	surveyEventName   = "survey_submit"
	payloadPrefix     = "payload."
)

var surveyBuiltinFields = []string{
	"browser", "os", "language", "country", "subdivision1", "subdivision2", "city", "aiCategory", "aiTranslation",
}

func surveyColumn(name string) sqlbuilder.Fragment {
	return sqlbuilder.Ident(surveyAlias, name)
}

func surveyPayload(key string, t model.FieldType) sqlbuilder.Fragment {
	text := sqlbuilder.SQL("(", surveyColumn("payload"), " ->> ", sqlbuilder.Arg(key), ")")
	switch t {
	case model.FieldNumber:
		return sqlbuilder.SQL(text, "::numeric")
	case model.FieldBoolean:
		return sqlbuilder.SQL(text, "::boolean")
	case model.FieldDate:
		return sqlbuilder.SQL(text, "::timestamptz")
	default:
		return text
	}
}

var surveyFields = func() *expr.Catalog {
	c := expr.NewCatalog(model.InsightTypeSurvey)
	for _, name := range surveyBuiltinFields {
		c.AddColumn(name, model.FieldString, surveyAlias)
	}
	c.AddColumn("sessionId", model.FieldString, surveyAlias)
	c.AddColumn("createdAt", model.FieldDate, surveyAlias)
	c.AddPrefix(payloadPrefix, surveyPayload)
	return c
}()

// Survey reads questionnaire results from the relational store.
type Survey struct{}

func (Survey) Name() string              { return "survey" }
func (Survey) Domain() model.InsightType { return model.InsightTypeSurvey }

func (b Survey) from() (sqlbuilder.Fragment, []sqlbuilder.JoinClause) {
	from := sqlbuilder.SQL(sqlbuilder.Ident(surveyResultTable), " AS ", sqlbuilder.Ident(surveyAlias))
	join := sqlbuilder.JoinClause{
		Kind:  "JOIN",
		Table: sqlbuilder.SQL(sqlbuilder.Ident(surveyTable), " AS ", sqlbuilder.Ident("s")),
		On:    sqlbuilder.SQL(sqlbuilder.Ident("s", "id"), " = ", surveyColumn("surveyId")),
	}
	return from, []sqlbuilder.JoinClause{join}
}

func (b Survey) scope(req Request) []sqlbuilder.Fragment {
	created := surveyColumn("createdAt")
	return []sqlbuilder.Fragment{
		sqlbuilder.SQL(sqlbuilder.Ident("s", "workspaceId"), " = ", sqlbuilder.Arg(req.Query.WorkspaceID)),
		sqlbuilder.SQL(surveyColumn("surveyId"), " = ", sqlbuilder.Arg(req.Query.InsightID)),
		sqlbuilder.SQL(created, " BETWEEN ", sqlbuilder.Instant(req.Start), " AND ", sqlbuilder.Instant(req.End)),
	}
}

// answered resolves a metric name to a builtin column or payload key.
func (b Survey) answered(name string) (sqlbuilder.Fragment, error) {
	if !strings.HasPrefix(name, payloadPrefix) {
		if f, err := surveyFields.Resolve(name, model.FieldString); err == nil {
			return sqlbuilder.SQL(f.Expr, " IS NOT NULL AND ", f.Expr, " <> ''"), nil
		}
		name = payloadPrefix + name
	}
	f, err := surveyFields.Resolve(name, model.FieldString)
	if err != nil {
		return sqlbuilder.Fragment{}, err
	}
	return sqlbuilder.SQL(f.Expr, " IS NOT NULL AND ", f.Expr, " <> ''"), nil
}

func (b Survey) metric(m model.Metric) (sqlbuilder.Fragment, error) {
	if m.Math.RequiresNumeric() {
		if !strings.HasPrefix(m.Name, payloadPrefix) {
			m.Name = payloadPrefix + m.Name
		}
		return numericMetric(sqlbuilder.Postgres, surveyFields, m)
	}

	var agg sqlbuilder.Fragment
	switch m.Math {
	case model.MathEvents:
		agg = sqlbuilder.Raw("count(*)")
	case model.MathSessions, model.MathUniques:
		agg = sqlbuilder.SQL("count(DISTINCT ", surveyColumn("sessionId"), ")")
	default:
		return sqlbuilder.Fragment{}, model.NewValidationError("math %q is not supported for survey insights", m.Math)
	}
	if m.Name == model.AllEvent {
		return agg, nil
	}
	cond, err := b.answered(m.Name)
	if err != nil {
		return sqlbuilder.Fragment{}, err
	}
	return sqlbuilder.SQL(agg, " FILTER (WHERE ", cond, ")"), nil
}

func (b Survey) Build(req Request) (sqlbuilder.Statement, error) {
	c := req.compiler(surveyFields)

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

	from, joins := b.from()
	q := aggregate{
		bucket:  timeseries.TruncateExpr(surveyColumn("createdAt"), req.Unit, req.Location),
		groups:  groups,
		metrics: metrics,
		from:    from,
		joins:   joins,
		where:   append(b.scope(req), filters...),
	}.query()
	return statement(b, sqlbuilder.Postgres, StatementSeries, q), nil
}

func (b Survey) BuildEvents(req Request, after *Cursor, limit int) (sqlbuilder.Statement, error) {
	filters, err := req.compiler(surveyFields).CompileAll(req.Query.Filters)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}
	from, joins := b.from()
	l := listing{
		ts:    surveyColumn("createdAt"),
		id:    surveyColumn("id"),
		from:  from,
		joins: joins,
		where: append(b.scope(req), filters...),
	}
	l.columns = append(l.columns, surveyColumn("sessionId"), surveyColumn("payload"))
	for _, name := range surveyBuiltinFields {
		l.columns = append(l.columns, surveyColumn(name))
	}
	return statement(b, sqlbuilder.Postgres, StatementEvents, l.query(after, limit)), nil
}

func (b Survey) Event(row model.Row) (model.InsightEvent, error) {
	id, createdAt := eventBase(row)
	props := properties(row, "payload")

	var payload map[string]any
	switch p := row["payload"].(type) {
	case map[string]any:
		payload = p
	case string:
		if err := json.Unmarshal([]byte(p), &payload); err != nil {
			return model.InsightEvent{}, err
		}
	}
	for k, v := range payload {
		props[k] = v
	}
	return model.InsightEvent{ID: id, Name: surveyEventName, CreatedAt: createdAt, Properties: props}, nil
}

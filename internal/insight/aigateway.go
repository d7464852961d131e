package insight

import (
	"encoding/json"

	"insights-engine/internal/expr"
	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
	"insights-engine/internal/timeseries"
)

const aigatewayTable = "aigateway_logs"

var aigatewayFields = expr.NewCatalog(model.InsightTypeAIGateway).
	Add("gatewayId", model.FieldString, sqlbuilder.Ident("gateway_id")).
	Add("provider", model.FieldString, sqlbuilder.Ident("provider")).
	Add("modelName", model.FieldString, sqlbuilder.Ident("model_name")).
	Add("status", model.FieldString, sqlbuilder.Ident("status")).
	Add("stream", model.FieldBoolean, sqlbuilder.Ident("stream")).
	Add("userId", model.FieldString, sqlbuilder.Ident("user_id")).
	Add("inputToken", model.FieldNumber, sqlbuilder.Ident("input_token")).
	Add("outputToken", model.FieldNumber, sqlbuilder.Ident("output_token")).
	Add("duration", model.FieldNumber, sqlbuilder.Ident("duration")).
	Add("ttft", model.FieldNumber, sqlbuilder.Ident("ttft")).
	Add("price", model.FieldNumber, sqlbuilder.SQL("toFloat64(", sqlbuilder.Ident("price"), ")")).
	Add("createdAt", model.FieldDate, sqlbuilder.Ident("created_at")).
	AddPrefix("request.", jsonExtract("request_payload")).
	AddPrefix("response.", jsonExtract("response_payload"))

// AIGateway reads AI gateway request logs from ClickHouse.
type AIGateway struct{}

func (AIGateway) Name() string              { return "aigateway" }
func (AIGateway) Domain() model.InsightType { return model.InsightTypeAIGateway }

func (b AIGateway) scope(req Request) []sqlbuilder.Fragment {
	created := sqlbuilder.Ident("created_at")
	return []sqlbuilder.Fragment{
		sqlbuilder.SQL(sqlbuilder.Ident("workspace_id"), " = ", sqlbuilder.Arg(req.Query.WorkspaceID)),
		sqlbuilder.SQL(sqlbuilder.Ident("gateway_id"), " = ", sqlbuilder.Arg(req.Query.InsightID)),
		sqlbuilder.SQL(created, " >= ", sqlbuilder.Instant(req.Start), " AND ", created, " <= ", sqlbuilder.Instant(req.End)),
	}
}

func (b AIGateway) metric(m model.Metric) (sqlbuilder.Fragment, error) {
	if m.Math.RequiresNumeric() {
		return numericMetric(sqlbuilder.ClickHouse, aigatewayFields, m)
	}

	switch m.Math {
	case model.MathEvents:
		if m.Name == model.AllEvent {
			return sqlbuilder.Raw("count()"), nil
		}
		// Counting a token or cost field totals it.
		return numericMetric(sqlbuilder.ClickHouse, aigatewayFields, model.Metric{Name: m.Name, Math: model.MathSum})
	case model.MathSessions, model.MathUniques:
		if m.Name == model.AllEvent {
			return sqlbuilder.SQL("uniqExact(", sqlbuilder.Ident("user_id"), ")"), nil
		}
		f, err := aigatewayFields.Resolve(m.Name, model.FieldString)
		if err != nil {
			return sqlbuilder.Fragment{}, err
		}
		return sqlbuilder.SQL("uniqExact(", f.Expr, ")"), nil
	}
	return sqlbuilder.Fragment{}, model.NewValidationError("math %q is not supported for aigateway insights", m.Math)
}

func (b AIGateway) Build(req Request) (sqlbuilder.Statement, error) {
	c := req.compiler(aigatewayFields)

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

	q := aggregate{
		bucket:  timeseries.TruncateExpr(sqlbuilder.Ident("created_at"), req.Unit, req.Location),
		groups:  groups,
		metrics: metrics,
		from:    sqlbuilder.Ident(aigatewayTable),
		where:   append(b.scope(req), filters...),
	}.query()
	return statement(b, sqlbuilder.ClickHouse, StatementSeries, q), nil
}

func (b AIGateway) BuildEvents(req Request, after *Cursor, limit int) (sqlbuilder.Statement, error) {
	filters, err := req.compiler(aigatewayFields).CompileAll(req.Query.Filters)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}
	l := listing{
		ts:    sqlbuilder.Ident("created_at"),
		id:    sqlbuilder.Ident("id"),
		from:  sqlbuilder.Ident(aigatewayTable),
		where: append(b.scope(req), filters...),
	}
	for _, name := range aigatewayFields.Names() {
		if name == "createdAt" {
			continue
		}
		f, _ := aigatewayFields.Resolve(name, "")
		l.columns = append(l.columns, sqlbuilder.As(f.Expr, name))
	}
	l.columns = append(l.columns,
		sqlbuilder.As(sqlbuilder.Ident("request_payload"), "requestPayload"),
		sqlbuilder.As(sqlbuilder.Ident("response_payload"), "responsePayload"),
	)
	return statement(b, sqlbuilder.ClickHouse, StatementEvents, l.query(after, limit)), nil
}

func (b AIGateway) Event(row model.Row) (model.InsightEvent, error) {
	id, createdAt := eventBase(row)
	name, _ := row["modelName"].(string)
	props := properties(row, "requestPayload", "responsePayload")
	for _, key := range []string{"requestPayload", "responsePayload"} {
		raw, ok := row[key].(string)
		if !ok || raw == "" {
			continue
		}
		var payload any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			payload = raw
		}
		props[key] = payload
	}
	return model.InsightEvent{ID: id, Name: name, CreatedAt: createdAt, Properties: props}, nil
}

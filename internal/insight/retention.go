package insight

import (
	"time"

	"insights-engine/internal/model"
	"insights-engine/internal/registry"
	"insights-engine/internal/sqlbuilder"
	"insights-engine/internal/timeseries"
)

const (
	firstSeenTable  = "first_seen"
	firstSeenAlias  = "fs"
	entityColumn    = "entity"
	firstAtColumn   = "first_at"
	retentionDomain = model.InsightTypeWarehouseWide
)

// RetentionRequest is a validated retention query with its resolved time context.
type RetentionRequest struct {
	Query    model.RetentionQuery
	Start    time.Time
	End      time.Time
	Unit     model.Unit
	Periods  int
	Location *time.Location
}

// Retention builds the cohort and return statements of a wide-table application.
// Phase one sizes each cohort by the first qualifying event inside the window;
// phase two counts the distinct cohort members active in each later period.
type Retention struct {
	wide *WarehouseWide
}

// NewRetention returns the retention builder for a wide-table application.
func NewRetention(app registry.Application) *Retention {
	return &Retention{wide: NewWarehouseWide(app)}
}

func (r *Retention) Name() string              { return "retention" }
func (r *Retention) Domain() model.InsightType { return retentionDomain }

func (r *Retention) dateBased(req RetentionRequest) bool {
	return useDateColumn(r.wide.app.DateBasedCreatedAtField, req.Start, req.End, req.Unit)
}

func (r *Retention) axis(req RetentionRequest, end time.Time) timeAxis {
	app := r.wide.app
	return newTimeAxis(app.CreatedAtField, app.DateBasedCreatedAtField, app.TimeType(), req.Start, end, r.dateBased(req), req.Location)
}

func (r *Retention) filters(req RetentionRequest) ([]sqlbuilder.Fragment, error) {
	c := Request{Location: req.Location}.compiler(r.wide.fields)
	return c.CompileAll(req.Query.Filters)
}

// firstSeen is the per-entity first qualifying activity inside the cohort window.
func (r *Retention) firstSeen(req RetentionRequest, filters []sqlbuilder.Fragment) sqlbuilder.CTE {
	axis := r.axis(req, req.End)
	distinct := sqlbuilder.Ident(warehouseAlias, r.wide.app.DistinctField)
	return sqlbuilder.CTE{
		Name: firstSeenTable,
		Query: &sqlbuilder.Query{
			Select: []sqlbuilder.Fragment{
				sqlbuilder.As(distinct, entityColumn),
				sqlbuilder.As(sqlbuilder.SQL("MIN(", axis.value, ")"), firstAtColumn),
			},
			From:    r.wide.from(),
			Where:   append([]sqlbuilder.Fragment{axis.where}, filters...),
			GroupBy: sqlbuilder.Ordinals(1),
		},
	}
}

func (r *Retention) statement(name string, q *sqlbuilder.Query) sqlbuilder.Statement {
	st := statement(r, r.wide.app.Dialect(), name, q)
	st.Target = r.wide.app.DatabaseURL
	return st
}

// Cohorts returns the phase one statement: (date, metric_0) = (cohort bucket, cohort size).
func (r *Retention) Cohorts(req RetentionRequest) (sqlbuilder.Statement, error) {
	filters, err := r.filters(req)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}
	axis := r.axis(req, req.End)
	firstAt := timeAxis{value: sqlbuilder.Ident(firstAtColumn), tz: axis.tz}

	q := &sqlbuilder.Query{
		With: []sqlbuilder.CTE{r.firstSeen(req, filters)},
		Select: []sqlbuilder.Fragment{
			sqlbuilder.As(firstAt.bucket(req.Unit), model.DateColumn),
			sqlbuilder.As(sqlbuilder.Raw("count(*)"), model.MetricColumn(0)),
		},
		From:    sqlbuilder.Ident(firstSeenTable),
		GroupBy: sqlbuilder.Ordinals(1),
		OrderBy: []sqlbuilder.Fragment{sqlbuilder.Raw("1")},
	}
	return r.statement(StatementCohorts, q), nil
}

// Returns returns the phase two statement: (date, group_0, metric_0) =
// (cohort bucket, activity bucket, distinct active members).
func (r *Retention) Returns(req RetentionRequest) (sqlbuilder.Statement, error) {
	filters, err := r.filters(req)
	if err != nil {
		return sqlbuilder.Statement{}, err
	}
	last := timeseries.Advance(timeseries.Floor(req.End, req.Unit, req.Location), req.Periods+1, req.Unit, req.Location).Add(-time.Millisecond)
	activity := r.axis(req, last)
	firstAt := timeAxis{value: sqlbuilder.Ident(firstSeenAlias, firstAtColumn), tz: activity.tz}
	entity := sqlbuilder.Ident(firstSeenAlias, entityColumn)

	q := &sqlbuilder.Query{
		With: []sqlbuilder.CTE{r.firstSeen(req, filters)},
		Select: []sqlbuilder.Fragment{
			sqlbuilder.As(firstAt.bucket(req.Unit), model.DateColumn),
			sqlbuilder.As(activity.bucket(req.Unit), model.GroupColumn(0)),
			sqlbuilder.As(sqlbuilder.SQL("count(DISTINCT ", entity, ")"), model.MetricColumn(0)),
		},
		From: sqlbuilder.SQL(sqlbuilder.Ident(firstSeenTable), " AS ", sqlbuilder.Ident(firstSeenAlias)),
		Joins: []sqlbuilder.JoinClause{{
			Table: r.wide.from(),
			On:    sqlbuilder.SQL(sqlbuilder.Ident(warehouseAlias, r.wide.app.DistinctField), " = ", entity),
		}},
		Where:   append([]sqlbuilder.Fragment{activity.where}, filters...),
		GroupBy: sqlbuilder.Ordinals(2),
		OrderBy: []sqlbuilder.Fragment{sqlbuilder.Raw("1"), sqlbuilder.Raw("2")},
	}
	return r.statement(StatementReturns, q), nil
}

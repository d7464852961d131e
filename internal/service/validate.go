package service

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"insights-engine/internal/insight"
	"insights-engine/internal/model"
	"insights-engine/internal/registry"
	"insights-engine/internal/timeseries"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("insight_operator", func(fl validator.FieldLevel) bool {
		return model.Operator(fl.Field().String()).Valid()
	})
	return v
}

// validationError turns validator failures into a ValidationError naming the first bad field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return model.NewValidationError("invalid request: %v", err)
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if fe.Param() != "" {
		return model.NewValidationError("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
	return model.NewValidationError("%s failed %s", field, fe.Tag())
}

// normalize validates an insight query and resolves its time context. Bucket limits only
// apply when the statement aggregates into buckets.
func (s *insightService) normalize(q model.InsightQuery, bucketed bool) (insight.Request, error) {
	if err := validate.Struct(q); err != nil {
		return insight.Request{}, validationError(err)
	}
	if !q.InsightType.IsWarehouse() && q.WorkspaceID == "" {
		return insight.Request{}, model.NewValidationError("workspaceId is required for %s insights", q.InsightType)
	}
	if q.Time.StartAt > q.Time.EndAt {
		return insight.Request{}, model.NewValidationError("time.startAt must not be after time.endAt")
	}
	if q.Compare && len(q.Groups) > 0 {
		return insight.Request{}, model.NewValidationError("compare is only supported without groups")
	}

	loc, err := timeseries.LoadLocation(q.Time.Timezone)
	if err != nil {
		return insight.Request{}, err
	}
	unit := timeseries.ResolveUnit(q.Time)
	req := insight.NewRequest(q, unit, loc)

	if bucketed {
		if err := s.checkBuckets(req.Start, req.End, unit, loc); err != nil {
			return insight.Request{}, err
		}
	}
	return req, nil
}

func (s *insightService) checkBuckets(start, end time.Time, unit model.Unit, loc *time.Location) error {
	if n, ok := timeseries.CountBuckets(start, end, unit, loc, s.opts.MaxBuckets); !ok {
		return model.NewValidationError("range produces more than %d %s buckets (counted %d)", s.opts.MaxBuckets, unit, n)
	}
	return nil
}

// normalizeRetention validates a retention query and resolves its wide-table application.
func (s *insightService) normalizeRetention(q model.RetentionQuery) (insight.RetentionRequest, registry.Application, error) {
	if err := validate.Struct(q); err != nil {
		return insight.RetentionRequest{}, registry.Application{}, validationError(err)
	}
	if q.StartAt > q.EndAt {
		return insight.RetentionRequest{}, registry.Application{}, model.NewValidationError("startAt must not be after endAt")
	}

	loc, err := timeseries.LoadLocation(q.Timezone)
	if err != nil {
		return insight.RetentionRequest{}, registry.Application{}, err
	}
	unit := q.Unit
	if unit == "" {
		unit = model.UnitDay
	}
	periods := q.Periods
	if periods == 0 {
		periods = defaultPeriods
	}

	req := insight.RetentionRequest{
		Query:    q,
		Start:    time.UnixMilli(q.StartAt).UTC(),
		End:      time.UnixMilli(q.EndAt).UTC(),
		Unit:     unit,
		Periods:  periods,
		Location: loc,
	}
	last := timeseries.Advance(timeseries.Floor(req.End, unit, loc), periods, unit, loc)
	if err := s.checkBuckets(req.Start, last, unit, loc); err != nil {
		return insight.RetentionRequest{}, registry.Application{}, err
	}

	app, err := s.registry.Lookup(q.WorkspaceID, q.InsightID)
	if err != nil {
		return insight.RetentionRequest{}, registry.Application{}, err
	}
	if app.Type != registry.LayoutWideTable {
		return insight.RetentionRequest{}, registry.Application{}, model.NewValidationError(
			"retention requires a %s application, %q is %s", registry.LayoutWideTable, app.Name, app.Type)
	}
	return req, app, nil
}

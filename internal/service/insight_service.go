package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"insights-engine/internal/insight"
	"insights-engine/internal/metrics"
	"insights-engine/internal/model"
	"insights-engine/internal/registry"
	"insights-engine/internal/repository"
	"insights-engine/internal/reshape"
	"insights-engine/internal/sqlbuilder"
	"insights-engine/internal/timeseries"
)

const (
	defaultPageSize  = 50
	maxPageSize      = 500
	defaultMaxBucket = 5000
	defaultPeriods   = 7
)

// Request kinds reported in logs and metrics.
const (
	KindQuery     = "query"
	KindEvents    = "events"
	KindRetention = "retention"
	KindCompile   = "compile"
)

type InsightService interface {
	Query(ctx context.Context, q model.InsightQuery) (model.InsightResult, error)
	QueryEvents(ctx context.Context, q model.InsightQuery) (model.EventPage, error)
	Retention(ctx context.Context, q model.RetentionQuery) (model.RetentionMatrix, error)
	Compile(q model.InsightQuery) ([]model.CompiledStatement, error)
}

// Options tunes the dispatcher.
type Options struct {
	// QueryTimeout is the deadline handed to store adapters. Zero disables it.
	QueryTimeout   time.Duration
	EventsPageSize int
	MaxBuckets     int
}

// insightService validates requests, picks the domain builder and reshapes store rows.
type insightService struct {
	store    repository.Store
	registry registry.Registry
	logger   *zap.Logger
	metrics  *metrics.Collector
	opts     Options
	now      func() time.Time
}

// NewInsightService constructs the dispatcher.
func NewInsightService(store repository.Store, reg registry.Registry, logger *zap.Logger, collector *metrics.Collector, opts Options) InsightService {
	if opts.EventsPageSize <= 0 {
		opts.EventsPageSize = defaultPageSize
	}
	if opts.EventsPageSize > maxPageSize {
		opts.EventsPageSize = maxPageSize
	}
	if opts.MaxBuckets <= 0 {
		opts.MaxBuckets = defaultMaxBucket
	}
	return &insightService{
		store:    store,
		registry: reg,
		logger:   logger,
		metrics:  collector,
		opts:     opts,
		now:      time.Now,
	}
}

// Query returns the gap-filled series of an aggregate query, with stats when compare is set.
func (s *insightService) Query(ctx context.Context, q model.InsightQuery) (result model.InsightResult, err error) {
	done := s.track(ctx, KindQuery, string(q.InsightType), q.InsightID)
	defer func() { done(err) }()

	req, err := s.normalize(q, true)
	if err != nil {
		return model.InsightResult{}, err
	}
	b, err := s.builderFor(q)
	if err != nil {
		return model.InsightResult{}, err
	}
	stmts, err := s.statements(b, req)
	if err != nil {
		return model.InsightResult{}, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.store.ExecuteMulti(ctx, stmts)
	if err != nil {
		return model.InsightResult{}, err
	}
	if len(rows) != len(stmts) {
		return model.InsightResult{}, &model.ReshapeInvariantError{Message: "store returned a row set count different from the statement count"}
	}

	frame := reshape.Frame{
		Start:    req.Start,
		End:      req.End,
		Unit:     req.Unit,
		Location: req.Location,
		Metrics:  q.Metrics,
		Groups:   q.Groups,
	}
	series, err := reshape.Series(frame, rows[0])
	if err != nil {
		return model.InsightResult{}, err
	}
	result = model.InsightResult{GroupedSeries: series}

	if q.Compare {
		frame.Start, frame.End = timeseries.PreviousRange(req.Start, req.End)
		previous, err := reshape.Series(frame, rows[1])
		if err != nil {
			return model.InsightResult{}, err
		}
		result.Stats = reshape.Stats(series, previous, q.Metrics)
	}
	return result, nil
}

// QueryEvents returns one keyset page of raw events.
func (s *insightService) QueryEvents(ctx context.Context, q model.InsightQuery) (page model.EventPage, err error) {
	done := s.track(ctx, KindEvents, string(q.InsightType), q.InsightID)
	defer func() { done(err) }()

	req, err := s.normalize(q, false)
	if err != nil {
		return model.EventPage{}, err
	}
	b, err := s.builderFor(q)
	if err != nil {
		return model.EventPage{}, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = s.opts.EventsPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return insight.ReadEvents(ctx, s.store, b, req, q.Cursor, limit)
}

// Retention returns the cohort matrix of a wide-table application.
func (s *insightService) Retention(ctx context.Context, q model.RetentionQuery) (matrix model.RetentionMatrix, err error) {
	done := s.track(ctx, KindRetention, string(model.InsightTypeWarehouseWide), q.InsightID)
	defer func() { done(err) }()

	req, app, err := s.normalizeRetention(q)
	if err != nil {
		return model.RetentionMatrix{}, err
	}
	b := insight.NewRetention(app)

	cohorts, err := b.Cohorts(req)
	if err != nil {
		return model.RetentionMatrix{}, err
	}
	returns, err := b.Returns(req)
	if err != nil {
		return model.RetentionMatrix{}, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.store.ExecuteMulti(ctx, []sqlbuilder.Statement{cohorts, returns})
	if err != nil {
		return model.RetentionMatrix{}, err
	}
	if len(rows) != 2 {
		return model.RetentionMatrix{}, &model.ReshapeInvariantError{Message: "retention expects two row sets"}
	}

	return reshape.Retention(reshape.RetentionFrame{
		Start:    req.Start,
		End:      req.End,
		Unit:     req.Unit,
		Periods:  req.Periods,
		Location: req.Location,
	}, rows[0], rows[1])
}

// Compile renders the statements of an aggregate query without executing them.
func (s *insightService) Compile(q model.InsightQuery) (compiled []model.CompiledStatement, err error) {
	done := s.track(context.Background(), KindCompile, string(q.InsightType), q.InsightID)
	defer func() { done(err) }()

	req, err := s.normalize(q, true)
	if err != nil {
		return nil, err
	}
	b, err := s.builderFor(q)
	if err != nil {
		return nil, err
	}
	stmts, err := s.statements(b, req)
	if err != nil {
		return nil, err
	}

	compiled = make([]model.CompiledStatement, 0, len(stmts))
	for _, stmt := range stmts {
		c, err := stmt.Compile()
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// statements builds the series statement and, in compare mode, the previous-period one.
func (s *insightService) statements(b insight.Builder, req insight.Request) ([]sqlbuilder.Statement, error) {
	series, err := b.Build(req)
	if err != nil {
		return nil, err
	}
	stmts := []sqlbuilder.Statement{series}
	if !req.Query.Compare {
		return stmts, nil
	}

	previous, err := b.Build(req.WithRange(timeseries.PreviousRange(req.Start, req.End)))
	if err != nil {
		return nil, err
	}
	previous.Name = insight.StatementPrevious
	return append(stmts, previous), nil
}

// builderFor dispatches on the insight type. For warehouse types the registered layout wins.
func (s *insightService) builderFor(q model.InsightQuery) (insight.Builder, error) {
	switch q.InsightType {
	case model.InsightTypeWebsite:
		return insight.Website{}, nil
	case model.InsightTypeAIGateway:
		return insight.AIGateway{}, nil
	case model.InsightTypeSurvey:
		return insight.Survey{}, nil
	case model.InsightTypeWarehouseLong, model.InsightTypeWarehouseWide:
		app, err := s.registry.Lookup(q.WorkspaceID, q.InsightID)
		if err != nil {
			return nil, err
		}
		if app.Type != layoutOf(q.InsightType) {
			s.logger.Debug("warehouse layout differs from request, using registered layout",
				zap.String("insight_id", q.InsightID),
				zap.String("requested", string(q.InsightType)),
				zap.String("registered", string(app.Type)),
			)
		}
		if app.Type == registry.LayoutLongTable {
			return insight.NewWarehouseLong(app), nil
		}
		return insight.NewWarehouseWide(app), nil
	default:
		return nil, &model.UnsupportedInsightTypeError{Type: q.InsightType}
	}
}

func layoutOf(t model.InsightType) registry.Layout {
	if t == model.InsightTypeWarehouseLong {
		return registry.LayoutLongTable
	}
	return registry.LayoutWideTable
}

func (s *insightService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.QueryTimeout)
}

// track logs the request and returns the callback recording its outcome.
func (s *insightService) track(ctx context.Context, kind, domain, insightID string) func(error) {
	started := s.now()
	logger := s.logger.With(
		zap.String("query_id", uuid.NewString()),
		zap.String("kind", kind),
		zap.String("insight_type", domain),
		zap.String("insight_id", insightID),
	)
	logger.Debug("insight request")

	return func(err error) {
		elapsed := s.now().Sub(started)
		outcome := Outcome(err)
		if s.metrics != nil {
			s.metrics.ObserveQuery(domain, kind, outcome, elapsed)
		}
		switch outcome {
		case metrics.OutcomeOK:
			logger.Debug("insight request done", zap.Duration("elapsed", elapsed))
		case metrics.OutcomeClientError:
			logger.Debug("insight request rejected", zap.Error(err))
		default:
			fields := []zap.Field{zap.Error(err), zap.Duration("elapsed", elapsed)}
			var execErr *model.StoreExecutionError
			if errors.As(err, &execErr) {
				fields = append(fields, zap.String("builder", execErr.Builder), zap.String("domain", string(execErr.Domain)))
			}
			if ctx.Err() != nil {
				fields = append(fields, zap.NamedError("context", ctx.Err()))
			}
			logger.Error("insight request failed", fields...)
		}
	}
}

// Outcome classifies an error for metrics.
func Outcome(err error) string {
	var (
		timeoutErr *model.StoreTimeoutError
		execErr    *model.StoreExecutionError
	)
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case model.IsClientError(err):
		return metrics.OutcomeClientError
	case errors.As(err, &timeoutErr):
		return metrics.OutcomeTimeout
	case errors.As(err, &execErr):
		return metrics.OutcomeStoreError
	default:
		return metrics.OutcomeError
	}
}

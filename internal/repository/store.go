package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

// Store executes rendered statements. Implementations honour the context deadline and
// report a missed deadline as *model.StoreTimeoutError.
type Store interface {
	// Execute runs one statement and returns its rows.
	Execute(ctx context.Context, stmt sqlbuilder.Statement) ([]model.Row, error)

	// ExecuteMulti runs statements in order and returns one row set per statement.
	ExecuteMulti(ctx context.Context, stmts []sqlbuilder.Statement) ([][]model.Row, error)
}

// queryCanceled is the PostgreSQL code for a statement cancelled by statement_timeout.
const queryCanceled = "57014"

func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == queryCanceled
}

func storeError(stmt sqlbuilder.Statement, err error) error {
	if timedOut(err) {
		return &model.StoreTimeoutError{Domain: stmt.Domain, Err: err}
	}
	return &model.StoreExecutionError{Domain: stmt.Domain, Builder: stmt.Builder, Err: err}
}

func executeEach(ctx context.Context, s Store, stmts []sqlbuilder.Statement) ([][]model.Row, error) {
	out := make([][]model.Row, 0, len(stmts))
	for _, stmt := range stmts {
		rows, err := s.Execute(ctx, stmt)
		if err != nil {
			return nil, err
		}
		out = append(out, rows)
	}
	return out, nil
}

// Router sends each statement to the store of its domain.
type Router struct {
	ClickHouse Store
	Postgres   Store
	Warehouse  Store
}

var _ Store = (*Router)(nil)

func (r *Router) storeFor(stmt sqlbuilder.Statement) (Store, error) {
	var s Store
	switch stmt.Domain {
	case model.InsightTypeWebsite, model.InsightTypeAIGateway:
		s = r.ClickHouse
	case model.InsightTypeSurvey:
		s = r.Postgres
	case model.InsightTypeWarehouseLong, model.InsightTypeWarehouseWide:
		s = r.Warehouse
	default:
		return nil, &model.UnsupportedInsightTypeError{Type: stmt.Domain}
	}
	if s == nil {
		return nil, storeError(stmt, fmt.Errorf("no store configured"))
	}
	return s, nil
}

func (r *Router) Execute(ctx context.Context, stmt sqlbuilder.Statement) ([]model.Row, error) {
	s, err := r.storeFor(stmt)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, stmt)
}

// ExecuteMulti keeps a group of statements on a single store so it can batch them.
func (r *Router) ExecuteMulti(ctx context.Context, stmts []sqlbuilder.Statement) ([][]model.Row, error) {
	if len(stmts) == 0 {
		return nil, nil
	}
	s, err := r.storeFor(stmts[0])
	if err != nil {
		return nil, err
	}
	for _, stmt := range stmts[1:] {
		if stmt.Domain != stmts[0].Domain || stmt.Target != stmts[0].Target {
			return executeEach(ctx, r, stmts)
		}
	}
	return s.ExecuteMulti(ctx, stmts)
}

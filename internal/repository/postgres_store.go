package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

// Querier is the part of a pgx pool the store uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore runs survey statements and PostgreSQL warehouse statements.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore creates a Store backed by a pgx pool.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Execute(ctx context.Context, stmt sqlbuilder.Statement) ([]model.Row, error) {
	query, args, err := stmt.Render()
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", stmt.Name, err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(stmt, fmt.Errorf("query %s: %w", stmt.Name, err))
	}
	out, err := collectPostgres(rows)
	if err != nil {
		return nil, storeError(stmt, fmt.Errorf("read %s: %w", stmt.Name, err))
	}
	return out, nil
}

// ExecuteMulti sends every statement in one pgx batch.
func (s *PostgresStore) ExecuteMulti(ctx context.Context, stmts []sqlbuilder.Statement) ([][]model.Row, error) {
	if len(stmts) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, stmt := range stmts {
		query, args, err := stmt.Render()
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", stmt.Name, err)
		}
		batch.Queue(query, args...)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	out := make([][]model.Row, 0, len(stmts))
	for _, stmt := range stmts {
		rows, err := br.Query()
		if err != nil {
			return nil, storeError(stmt, fmt.Errorf("batch query %s: %w", stmt.Name, err))
		}
		result, err := collectPostgres(rows)
		if err != nil {
			return nil, storeError(stmt, fmt.Errorf("read %s: %w", stmt.Name, err))
		}
		out = append(out, result)
	}
	return out, nil
}

func collectPostgres(rows pgx.Rows) ([]model.Row, error) {
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]model.Row, 0, len(maps))
	for _, m := range maps {
		row := make(model.Row, len(m))
		for k, v := range m {
			row[k] = normalizePostgres(v)
		}
		out = append(out, row)
	}
	return out, nil
}

// normalizePostgres converts pgx wire types into plain values.
func normalizePostgres(v any) any {
	switch val := v.(type) {
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Interval:
		if !val.Valid {
			return nil
		}
		return val.Microseconds
	default:
		return v
	}
}


package repository

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

// ClickHouseStore runs website and AI gateway statements.
type ClickHouseStore struct {
	conn clickhouse.Conn
}

// NewClickHouseStore creates a Store backed by a ClickHouse connection.
func NewClickHouseStore(conn clickhouse.Conn) *ClickHouseStore {
	return &ClickHouseStore{conn: conn}
}

func (s *ClickHouseStore) Execute(ctx context.Context, stmt sqlbuilder.Statement) ([]model.Row, error) {
	query, args, err := stmt.Render()
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", stmt.Name, err)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(stmt, fmt.Errorf("query %s: %w", stmt.Name, err))
	}
	out, err := scanClickHouse(rows)
	if err != nil {
		return nil, storeError(stmt, fmt.Errorf("read %s: %w", stmt.Name, err))
	}
	return out, nil
}

// ExecuteMulti runs the statements one after another on the same connection pool.
func (s *ClickHouseStore) ExecuteMulti(ctx context.Context, stmts []sqlbuilder.Statement) ([][]model.Row, error) {
	return executeEach(ctx, s, stmts)
}

// scanClickHouse reads every row into fresh values of each column's scan type.
func scanClickHouse(rows driver.Rows) ([]model.Row, error) {
	defer rows.Close()

	names := rows.Columns()
	types := rows.ColumnTypes()
	var out []model.Row
	for rows.Next() {
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(model.Row, len(names))
		for i, name := range names {
			row[name] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

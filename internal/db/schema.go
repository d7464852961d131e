package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5"

	"insights-engine/internal/insight"
)

type columnRow struct {
	Name string `ch:"name"`
}

// VerifySchema checks that every ClickHouse table the builders read exists with the
// expected columns. The service reads telemetry only, so nothing is created here.
func VerifySchema(ctx context.Context, conn clickhouse.Conn, tables []insight.TableSchema) error {
	for _, t := range tables {
		var rows []columnRow
		if err := conn.Select(ctx, &rows,
			"SELECT name FROM system.columns WHERE database = currentDatabase() AND table = ?", t.Table,
		); err != nil {
			return fmt.Errorf("read columns of %s: %w", t.Table, err)
		}
		names := make([]string, 0, len(rows))
		for _, r := range rows {
			names = append(names, r.Name)
		}
		if err := checkColumns(t, names); err != nil {
			return err
		}
	}
	return nil
}

// PgQuerier is the part of a pgx pool used for schema checks.
type PgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// VerifyPostgresSchema is VerifySchema for the relational survey store.
func VerifyPostgresSchema(ctx context.Context, db PgQuerier, tables []insight.TableSchema) error {
	for _, t := range tables {
		rows, err := db.Query(ctx,
			"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1", t.Table,
		)
		if err != nil {
			return fmt.Errorf("read columns of %s: %w", t.Table, err)
		}
		names, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("read columns of %s: %w", t.Table, err)
		}
		if err := checkColumns(t, names); err != nil {
			return err
		}
	}
	return nil
}

func checkColumns(t insight.TableSchema, present []string) error {
	if len(present) == 0 {
		return fmt.Errorf("table %s does not exist", t.Table)
	}
	have := make(map[string]struct{}, len(present))
	for _, name := range present {
		have[name] = struct{}{}
	}
	var missing []string
	for _, c := range t.Columns {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("table %s is missing columns: %s", t.Table, strings.Join(missing, ", "))
	}
	return nil
}

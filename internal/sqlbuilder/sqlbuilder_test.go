package sqlbuilder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"insights-engine/internal/model"
)

type SQLBuilderTestSuite struct {
	suite.Suite
}

func TestSQLBuilder(t *testing.T) {
	suite.Run(t, new(SQLBuilderTestSuite))
}

func (s *SQLBuilderTestSuite) TestSQL_BindsNonStringValues() {
	f := SQL(Ident("t", "country"), " = ", "raw", " AND ", Ident("n"), " > ", 5)
	sql, args, err := f.Render(Postgres)
	s.Require().NoError(err)
	s.Equal(`"t"."country" = raw AND "n" > $1`, sql)
	s.Equal([]any{5}, args)
}

func (s *SQLBuilderTestSuite) TestQuoteIdent_EscapesQuotes() {
	s.Equal("`we``ird`", ClickHouse.QuoteIdent("we`ird"))
	s.Equal(`"we""ird"`, Postgres.QuoteIdent(`we"ird`))
}

func (s *SQLBuilderTestSuite) TestQuery_PostgresPlaceholdersAreSequentialAcrossCTEs() {
	inner := &Query{
		Select: []Fragment{Raw("1")},
		From:   Ident("a"),
		Where:  []Fragment{SQL(Ident("x"), " = ", Arg("first"))},
	}
	q := &Query{
		With:    []CTE{{Name: "c", Query: inner}},
		Select:  []Fragment{As(Raw("count(*)"), "metric_0")},
		From:    Ident("c"),
		Where:   []Fragment{SQL(Ident("y"), " = ", Arg("second"))},
		GroupBy: Ordinals(1),
		OrderBy: []Fragment{Raw("1")},
		Limit:   10,
	}

	sql, args, err := q.Render(Postgres)
	s.Require().NoError(err)
	s.Equal(`WITH "c" AS (SELECT 1 FROM "a" WHERE "x" = $1) SELECT count(*) AS "metric_0" FROM "c" WHERE "y" = $2 GROUP BY 1 ORDER BY 1 LIMIT 10`, sql)
	s.Equal([]any{"first", "second"}, args)
}

func (s *SQLBuilderTestSuite) TestQuery_Subquery() {
	q := &Query{
		Select: []Fragment{Raw("count(*)")},
		From:   SQL(Sub(&Query{Select: []Fragment{Raw("1")}, From: Ident("t"), Where: []Fragment{SQL("a = ", Arg(1))}}), " AS s"),
		Where:  []Fragment{SQL("b = ", Arg(2))},
	}
	sql, args, err := q.Render(Postgres)
	s.Require().NoError(err)
	s.Equal(`SELECT count(*) FROM (SELECT 1 FROM "t" WHERE a = $1) AS s WHERE b = $2`, sql)
	s.Equal([]any{1, 2}, args)
}

func (s *SQLBuilderTestSuite) TestQuery_RequiresSelectAndFrom() {
	_, _, err := (&Query{From: Ident("t")}).Render(ClickHouse)
	s.Error(err)
	_, _, err = (&Query{Select: []Fragment{Raw("1")}}).Render(ClickHouse)
	s.Error(err)
}

func (s *SQLBuilderTestSuite) TestBucket_PerDialect() {
	col := Ident("created_at")
	tests := []struct {
		name    string
		dialect Dialect
		unit    model.Unit
		tz      string
		sql     string
		args    []any
	}{
		{"clickhouse hour", ClickHouse, model.UnitHour, "Asia/Tokyo", "formatDateTime(`created_at`, '%Y-%m-%d %H:00:00', ?)", []any{"Asia/Tokyo"}},
		{"clickhouse day without tz", ClickHouse, model.UnitDay, "", "formatDateTime(`created_at`, '%Y-%m-%d')", nil},
		{"postgres month", Postgres, model.UnitMonth, "UTC", `to_char(("created_at") AT TIME ZONE $1, 'YYYY-MM-01')`, []any{"UTC"}},
		{"mysql minute utc", MySQL, model.UnitMinute, "UTC", "DATE_FORMAT(CONVERT_TZ(`created_at`, '+00:00', ?), '%Y-%m-%d %H:%i:00')", []any{"+00:00"}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			sql, args, err := Bucket(col, tt.unit, tt.tz).Render(tt.dialect)
			s.Require().NoError(err)
			s.Equal(tt.sql, sql)
			s.Equal(tt.args, args)
		})
	}
}

func (s *SQLBuilderTestSuite) TestBucket_UnknownUnit() {
	_, _, err := Bucket(Ident("c"), model.Unit("week"), "").Render(ClickHouse)
	s.Error(err)
}

func (s *SQLBuilderTestSuite) TestToDateTime() {
	sql, _, err := ToDateTime(Ident("ts"), TimeUnixMillis).Render(MySQL)
	s.Require().NoError(err)
	s.Equal("FROM_UNIXTIME((`ts`) / 1000)", sql)

	sql, _, err = ToDateTime(Ident("ts"), TimeNative).Render(Postgres)
	s.Require().NoError(err)
	s.Equal(`"ts"`, sql)
}

func (s *SQLBuilderTestSuite) TestInstant_KeepsMilliseconds() {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	cond := SQL(Ident("created_at"), " < ", Instant(ts))

	sql, args, err := cond.Render(ClickHouse)
	s.Require().NoError(err)
	s.Equal("`created_at` < fromUnixTimestamp64Milli(toInt64(?))", sql)
	s.Equal([]any{int64(1740830400500)}, args)

	sql, args, err = cond.Render(Postgres)
	s.Require().NoError(err)
	s.Equal(`"created_at" < $1`, sql)
	s.Equal([]any{ts}, args)

	sql, args, err = SQL(Ident("ts"), " < ", Instant(int64(1740830400500))).Render(ClickHouse)
	s.Require().NoError(err)
	s.Equal("`ts` < ?", sql)
	s.Equal([]any{int64(1740830400500)}, args)
}

func (s *SQLBuilderTestSuite) TestQuantile() {
	sql, _, err := Quantile(0.95, Ident("duration")).Render(ClickHouse)
	s.Require().NoError(err)
	s.Equal("quantile(0.95)(`duration`)", sql)

	_, _, err = Quantile(0.5, Ident("duration")).Render(MySQL)
	s.Error(err)
	s.False(MySQL.SupportsQuantile())
}

func (s *SQLBuilderTestSuite) TestStatement_Compile() {
	st := Statement{
		Name:    "series",
		Dialect: ClickHouse,
		Query:   &Query{Select: []Fragment{Raw("1")}, From: Ident("t")},
	}
	compiled, err := st.Compile()
	s.Require().NoError(err)
	s.Equal("clickhouse", compiled.Dialect)
	s.Equal("SELECT 1 FROM `t`", compiled.SQL)
	s.Equal([]any{}, compiled.Args)
}

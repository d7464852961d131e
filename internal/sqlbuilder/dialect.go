package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"insights-engine/internal/model"
)

// Dialect turns the structured representation into text for one store.
type Dialect interface {
	Name() string
	Placeholder(n int) string
	QuoteIdent(name string) string
	SupportsQuantile() bool

	bucket(expr Fragment, unit model.Unit, tz string) (Fragment, error)
	toDateTime(expr Fragment, kind TimeKind) Fragment
	instant(t time.Time) Fragment
	quantile(level float64, expr Fragment) (Fragment, error)
}

var (
	ClickHouse Dialect = clickhouseDialect{}
	Postgres   Dialect = postgresDialect{}
	MySQL      Dialect = mysqlDialect{}
)

func quote(name string, q string) string {
	return q + strings.ReplaceAll(name, q, q+q) + q
}

func level(l float64) string {
	return strconv.FormatFloat(l, 'f', -1, 64)
}

type clickhouseDialect struct{}

func (clickhouseDialect) Name() string               { return "clickhouse" }
func (clickhouseDialect) Placeholder(int) string     { return "?" }
func (clickhouseDialect) QuoteIdent(n string) string { return quote(n, "`") }
func (clickhouseDialect) SupportsQuantile() bool     { return true }

var clickhouseFormats = map[model.Unit]string{
	model.UnitMinute: "%Y-%m-%d %H:%i:00",
	model.UnitHour:   "%Y-%m-%d %H:00:00",
	model.UnitDay:    "%Y-%m-%d",
	model.UnitMonth:  "%Y-%m-01",
	model.UnitYear:   "%Y-01-01",
}

func (clickhouseDialect) bucket(expr Fragment, unit model.Unit, tz string) (Fragment, error) {
	format, ok := clickhouseFormats[unit]
	if !ok {
		return Fragment{}, fmt.Errorf("clickhouse: unsupported unit %q", unit)
	}
	if tz == "" {
		return SQL("formatDateTime(", expr, ", ", Raw("'"+format+"'"), ")"), nil
	}
	return SQL("formatDateTime(", expr, ", ", Raw("'"+format+"'"), ", ", Arg(tz), ")"), nil
}

func (clickhouseDialect) toDateTime(expr Fragment, kind TimeKind) Fragment {
	switch kind {
	case TimeUnixSeconds:
		return SQL("toDateTime(toInt64(", expr, "))")
	case TimeUnixMillis:
		return SQL("fromUnixTimestamp64Milli(toInt64(", expr, "))")
	case TimeDate:
		return SQL("toDateTime(", expr, ")")
	case TimeDateString:
		return SQL("parseDateTimeBestEffort(", expr, ")")
	default:
		return expr
	}
}

// The driver binds time.Time with second precision, so instants travel as epoch milliseconds.
func (clickhouseDialect) instant(t time.Time) Fragment {
	return SQL("fromUnixTimestamp64Milli(toInt64(", Arg(t.UnixMilli()), "))")
}

func (clickhouseDialect) quantile(l float64, expr Fragment) (Fragment, error) {
	return SQL("quantile("+level(l)+")(", expr, ")"), nil
}

type postgresDialect struct{}

func (postgresDialect) Name() string               { return "postgres" }
func (postgresDialect) Placeholder(n int) string   { return "$" + strconv.Itoa(n) }
func (postgresDialect) QuoteIdent(n string) string { return quote(n, `"`) }
func (postgresDialect) SupportsQuantile() bool     { return true }

var postgresFormats = map[model.Unit]string{
	model.UnitMinute: "YYYY-MM-DD HH24:MI:00",
	model.UnitHour:   "YYYY-MM-DD HH24:00:00",
	model.UnitDay:    "YYYY-MM-DD",
	model.UnitMonth:  "YYYY-MM-01",
	model.UnitYear:   "YYYY-01-01",
}

func (postgresDialect) bucket(expr Fragment, unit model.Unit, tz string) (Fragment, error) {
	format, ok := postgresFormats[unit]
	if !ok {
		return Fragment{}, fmt.Errorf("postgres: unsupported unit %q", unit)
	}
	if tz == "" {
		return SQL("to_char(", expr, ", ", Raw("'"+format+"'"), ")"), nil
	}
	return SQL("to_char((", expr, ") AT TIME ZONE ", Arg(tz), ", ", Raw("'"+format+"'"), ")"), nil
}

func (postgresDialect) toDateTime(expr Fragment, kind TimeKind) Fragment {
	switch kind {
	case TimeUnixSeconds:
		return SQL("to_timestamp(", expr, ")")
	case TimeUnixMillis:
		return SQL("to_timestamp((", expr, ") / 1000.0)")
	case TimeDate:
		return SQL("(", expr, ")::timestamp AT TIME ZONE 'UTC'")
	case TimeDateString:
		return SQL("(", expr, ")::timestamp AT TIME ZONE 'UTC'")
	default:
		return expr
	}
}

func (postgresDialect) instant(t time.Time) Fragment {
	return Arg(t)
}

func (postgresDialect) quantile(l float64, expr Fragment) (Fragment, error) {
	return SQL("percentile_cont("+level(l)+") WITHIN GROUP (ORDER BY ", expr, ")"), nil
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string               { return "mysql" }
func (mysqlDialect) Placeholder(int) string     { return "?" }
func (mysqlDialect) QuoteIdent(n string) string { return quote(n, "`") }
func (mysqlDialect) SupportsQuantile() bool     { return false }

var mysqlFormats = map[model.Unit]string{
	model.UnitMinute: "%Y-%m-%d %H:%i:00",
	model.UnitHour:   "%Y-%m-%d %H:00:00",
	model.UnitDay:    "%Y-%m-%d",
	model.UnitMonth:  "%Y-%m-01",
	model.UnitYear:   "%Y-01-01",
}

func (mysqlDialect) bucket(expr Fragment, unit model.Unit, tz string) (Fragment, error) {
	format, ok := mysqlFormats[unit]
	if !ok {
		return Fragment{}, fmt.Errorf("mysql: unsupported unit %q", unit)
	}
	if tz == "" {
		return SQL("DATE_FORMAT(", expr, ", ", Raw("'"+format+"'"), ")"), nil
	}
	if tz == "UTC" {
		tz = "+00:00"
	}
	return SQL("DATE_FORMAT(CONVERT_TZ(", expr, ", '+00:00', ", Arg(tz), "), ", Raw("'"+format+"'"), ")"), nil
}

func (mysqlDialect) toDateTime(expr Fragment, kind TimeKind) Fragment {
	switch kind {
	case TimeUnixSeconds:
		return SQL("FROM_UNIXTIME(", expr, ")")
	case TimeUnixMillis:
		return SQL("FROM_UNIXTIME((", expr, ") / 1000)")
	case TimeDate:
		return SQL("CAST(", expr, " AS DATETIME)")
	case TimeDateString:
		return SQL("STR_TO_DATE(", expr, ", '%Y-%m-%d %H:%i:%s')")
	default:
		return expr
	}
}

func (mysqlDialect) instant(t time.Time) Fragment {
	return Arg(t)
}

func (mysqlDialect) quantile(float64, Fragment) (Fragment, error) {
	return Fragment{}, fmt.Errorf("mysql: percentile aggregation is not supported")
}

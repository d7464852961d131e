package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InsightType tags the insight domain a query is routed to.
type InsightType string

const (
	InsightTypeWebsite       InsightType = "website"
	InsightTypeSurvey        InsightType = "survey"
	InsightTypeAIGateway     InsightType = "aigateway"
	InsightTypeWarehouseLong InsightType = "warehouse-long"
	InsightTypeWarehouseWide InsightType = "warehouse-wide"
)

// IsWarehouse reports whether the domain is scoped by a registered warehouse connection.
func (t InsightType) IsWarehouse() bool {
	return t == InsightTypeWarehouseLong || t == InsightTypeWarehouseWide
}

// Sentinel metric names.
const (
	AllEvent = "$all_event"
	PageView = "$page_view"
)

// Math selects the aggregation applied to a metric.
type Math string

const (
	MathEvents   Math = "events"
	MathSessions Math = "sessions"
	MathUniques  Math = "uniques"
	MathSum      Math = "sum"
	MathAvg      Math = "avg"
	MathP50      Math = "p50"
	MathP75      Math = "p75"
	MathP90      Math = "p90"
	MathP95      Math = "p95"
	MathP99      Math = "p99"
)

// Percentile returns the quantile level for pXX math.
func (m Math) Percentile() (float64, bool) {
	if !strings.HasPrefix(string(m), "p") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(m), "p"))
	if err != nil || n <= 0 || n >= 100 {
		return 0, false
	}
	return float64(n) / 100, true
}

// RequiresNumeric reports whether the math aggregates the values of a numeric column.
func (m Math) RequiresNumeric() bool {
	if _, ok := m.Percentile(); ok {
		return true
	}
	return m == MathSum || m == MathAvg
}

// Additive reports whether bucket values of this math can be summed into a period total.
func (m Math) Additive() bool {
	return m == MathEvents || m == MathSum
}

// Metric is one requested aggregate.
type Metric struct {
	Name  string `json:"name" validate:"required"`
	Math  Math   `json:"math" validate:"required,oneof=events sessions uniques sum avg p50 p75 p90 p95 p99"`
	Alias string `json:"alias,omitempty"`
}

// Key is the name the metric is reported under.
func (m Metric) Key() string {
	if m.Alias != "" {
		return m.Alias
	}
	return m.Name
}

// FieldType is the value type of a filterable or groupable field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
)

// Operator is a condition operator.
type Operator string

const (
	OpEquals           Operator = "equals"
	OpNotEquals        Operator = "not equals"
	OpInList           Operator = "in list"
	OpNotInList        Operator = "not in list"
	OpContains         Operator = "contains"
	OpNotContains      Operator = "not contains"
	OpGreaterThan      Operator = "greater than"
	OpGreaterThanEqual Operator = "greater than or equal"
	OpLessThan         Operator = "less than"
	OpLessThanEqual    Operator = "less than or equal"
	OpBetween          Operator = "between"
	OpInDay            Operator = "in day"
)

var operators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpInList: {}, OpNotInList: {}, OpContains: {}, OpNotContains: {},
	OpGreaterThan: {}, OpGreaterThanEqual: {}, OpLessThan: {}, OpLessThanEqual: {}, OpBetween: {}, OpInDay: {},
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	_, ok := operators[op]
	return ok
}

// Condition is a single predicate over a field.
type Condition struct {
	Field    string    `json:"field" validate:"required"`
	Operator Operator  `json:"operator" validate:"required,insight_operator"`
	Value    any       `json:"value"`
	Type     FieldType `json:"type,omitempty" validate:"omitempty,oneof=string number boolean date"`
}

// OtherGroupLabel collects rows that match none of a group's custom rules.
const OtherGroupLabel = "other"

// CustomGroupRule re-labels rows matching the rule into a synthetic bucket.
type CustomGroupRule struct {
	Label          string   `json:"label,omitempty"`
	FilterOperator Operator `json:"filterOperator" validate:"required,insight_operator"`
	FilterValue    any      `json:"filterValue"`
}

// DisplayLabel returns the explicit label or one derived from the rule.
func (r CustomGroupRule) DisplayLabel(field string) string {
	if r.Label != "" {
		return r.Label
	}
	return fmt.Sprintf("%s|%s|%s", field, r.FilterOperator, labelValue(r.FilterValue))
}

// labelValue renders lists comma separated.
func labelValue(v any) string {
	var items []string
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			items = append(items, fmt.Sprint(item))
		}
	case []string:
		items = list
	case []float64:
		for _, item := range list {
			items = append(items, strconv.FormatFloat(item, 'f', -1, 64))
		}
	case []int:
		for _, item := range list {
			items = append(items, strconv.Itoa(item))
		}
	default:
		return fmt.Sprint(v)
	}
	return strings.Join(items, ",")
}

// GroupSpec groups results by a field, optionally through custom rules.
type GroupSpec struct {
	Value        string            `json:"value" validate:"required"`
	Type         FieldType         `json:"type,omitempty" validate:"omitempty,oneof=string number boolean date"`
	CustomGroups []CustomGroupRule `json:"customGroups,omitempty" validate:"omitempty,dive"`
}

// Labels lists the declared custom labels in rule order followed by the other bucket.
func (g GroupSpec) Labels() []string {
	if len(g.CustomGroups) == 0 {
		return nil
	}
	labels := make([]string, 0, len(g.CustomGroups)+1)
	for _, rule := range g.CustomGroups {
		labels = append(labels, rule.DisplayLabel(g.Value))
	}
	return append(labels, OtherGroupLabel)
}

// Unit is a bucket granularity.
type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitMonth  Unit = "month"
	UnitYear   Unit = "year"
)

// TimeRange is an inclusive range of epoch milliseconds.
type TimeRange struct {
	StartAt  int64  `json:"startAt" validate:"gte=0"`
	EndAt    int64  `json:"endAt" validate:"gte=0"`
	Unit     Unit   `json:"unit,omitempty" validate:"omitempty,oneof=minute hour day month year"`
	Timezone string `json:"timezone,omitempty"`
}

func (r TimeRange) Start() time.Time {
	return time.UnixMilli(r.StartAt).UTC()
}

func (r TimeRange) End() time.Time {
	return time.UnixMilli(r.EndAt).UTC()
}

// InsightQuery is a declarative analytics request.
type InsightQuery struct {
	InsightID   string      `json:"insightId" validate:"required"`
	InsightType InsightType `json:"insightType" validate:"required"`
	WorkspaceID string      `json:"workspaceId"`
	Metrics     []Metric    `json:"metrics" validate:"required,min=1,dive"`
	Filters     []Condition `json:"filters" validate:"dive"`
	Time        TimeRange   `json:"time"`
	Groups      []GroupSpec `json:"groups" validate:"dive"`
	Cursor      string      `json:"cursor,omitempty"`
	Limit       int         `json:"limit,omitempty" validate:"gte=0"`
	Compare     bool        `json:"compare,omitempty"`
}

// RetentionQuery asks for a cohort retention matrix over a wide-table warehouse application.
type RetentionQuery struct {
	InsightID   string      `json:"insightId" validate:"required"`
	WorkspaceID string      `json:"workspaceId"`
	StartAt     int64       `json:"startAt" validate:"gte=0"`
	EndAt       int64       `json:"endAt" validate:"gte=0"`
	Unit        Unit        `json:"unit,omitempty" validate:"omitempty,oneof=day month year"`
	Periods     int         `json:"periods,omitempty" validate:"gte=0,lte=90"`
	Timezone    string      `json:"timezone,omitempty"`
	Filters     []Condition `json:"filters" validate:"dive"`
}

// Row is a single result row keyed by column name.
type Row map[string]any

// Result column naming shared by builders and the reshaper.
const DateColumn = "date"

func GroupColumn(i int) string {
	return "group_" + strconv.Itoa(i)
}

func MetricColumn(i int) string {
	return "metric_" + strconv.Itoa(i)
}

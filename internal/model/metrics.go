package model

import "time"

// GroupKey identifies one series inside a GroupedSeries.
type GroupKey struct {
	Key    string   `json:"key"`
	Metric string   `json:"metric"`
	Values []string `json:"values,omitempty"`
}

// SeriesPoint holds every group's value for one bucket.
type SeriesPoint struct {
	BucketStart time.Time          `json:"bucketStart"`
	Values      map[string]float64 `json:"values"`
}

// GroupedSeries is a dense, gap-filled time series per group key.
type GroupedSeries struct {
	Unit   Unit          `json:"unit"`
	Groups []GroupKey    `json:"groups"`
	Series []SeriesPoint `json:"series"`
}

// StatComparison compares a metric's aggregate with the preceding period of equal length.
type StatComparison struct {
	Current  float64 `json:"current"`
	Previous float64 `json:"previous"`
	Change   float64 `json:"change"`
}

// InsightResult is returned for aggregate queries.
type InsightResult struct {
	GroupedSeries
	Stats map[string]StatComparison `json:"stats,omitempty"`
}

// RetentionCohort is one cohort and its phase-1 size.
type RetentionCohort struct {
	Period time.Time `json:"period"`
	Size   int64     `json:"size"`
}

// RetentionCell counts cohort members active at an offset from the cohort's own period.
type RetentionCell struct {
	CohortPeriod       time.Time `json:"cohortPeriod"`
	ReturnPeriodOffset int       `json:"returnPeriodOffset"`
	Count              int64     `json:"count"`
}

// RetentionMatrix is the retention result.
type RetentionMatrix struct {
	Unit    Unit              `json:"unit"`
	Cohorts []RetentionCohort `json:"cohorts"`
	Cells   []RetentionCell   `json:"cells"`
}

// CompiledStatement is a rendered statement returned by a dry run.
type CompiledStatement struct {
	Name    string `json:"name"`
	Dialect string `json:"dialect"`
	SQL     string `json:"sql"`
	Args    []any  `json:"args"`
}

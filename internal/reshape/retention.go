package reshape

import (
	"fmt"
	"time"

	"insights-engine/internal/model"
	"insights-engine/internal/timeseries"
)

// RetentionFrame is the cohort window of a retention query.
type RetentionFrame struct {
	Start    time.Time
	End      time.Time
	Unit     model.Unit
	Periods  int
	Location *time.Location
}

// Retention builds a dense cohort matrix from the cohort and return rows. The count at
// offset 0 of every cohort must equal the cohort's size.
func Retention(f RetentionFrame, cohortRows, returnRows []model.Row) (model.RetentionMatrix, error) {
	periods := timeseries.MaterializeRange(f.Start, f.End, f.Unit, f.Location)
	index := make(map[int64]int, len(periods))
	m := model.RetentionMatrix{
		Unit:    f.Unit,
		Cohorts: make([]model.RetentionCohort, len(periods)),
		Cells:   make([]model.RetentionCell, 0, len(periods)*(f.Periods+1)),
	}
	for i, p := range periods {
		index[p.UnixMilli()] = i
		m.Cohorts[i] = model.RetentionCohort{Period: p}
		for offset := 0; offset <= f.Periods; offset++ {
			m.Cells = append(m.Cells, model.RetentionCell{CohortPeriod: p, ReturnPeriodOffset: offset})
		}
	}

	cohortOf := func(v any) (int, time.Time, error) {
		t, err := timeseries.ParseBucket(v, f.Location)
		if err != nil {
			return 0, t, &model.ReshapeInvariantError{Message: err.Error()}
		}
		i, ok := index[t.UnixMilli()]
		if !ok {
			return 0, t, &model.ReshapeInvariantError{Message: fmt.Sprintf("cohort %s is outside the window", t.Format(time.RFC3339))}
		}
		return i, t, nil
	}

	for _, row := range cohortRows {
		i, _, err := cohortOf(row[model.DateColumn])
		if err != nil {
			return model.RetentionMatrix{}, err
		}
		n, err := ToFloat(row[model.MetricColumn(0)])
		if err != nil {
			return model.RetentionMatrix{}, &model.ReshapeInvariantError{Message: err.Error()}
		}
		m.Cohorts[i].Size += int64(n)
	}

	for _, row := range returnRows {
		i, cohort, err := cohortOf(row[model.DateColumn])
		if err != nil {
			return model.RetentionMatrix{}, err
		}
		activity, err := timeseries.ParseBucket(row[model.GroupColumn(0)], f.Location)
		if err != nil {
			return model.RetentionMatrix{}, &model.ReshapeInvariantError{Message: err.Error()}
		}
		offset := timeseries.Offset(cohort, activity, f.Unit, f.Location)
		if offset < 0 || offset > f.Periods {
			continue
		}
		n, err := ToFloat(row[model.MetricColumn(0)])
		if err != nil {
			return model.RetentionMatrix{}, &model.ReshapeInvariantError{Message: err.Error()}
		}
		m.Cells[i*(f.Periods+1)+offset].Count += int64(n)
	}

	for i, c := range m.Cohorts {
		if got := m.Cells[i*(f.Periods+1)].Count; got != c.Size {
			return model.RetentionMatrix{}, &model.ReshapeInvariantError{
				Message: fmt.Sprintf("cohort %s has size %d but %d members at offset 0", c.Period.Format(time.RFC3339), c.Size, got),
			}
		}
	}
	return m, nil
}

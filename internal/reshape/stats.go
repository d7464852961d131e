package reshape

import "insights-engine/internal/model"

// Total folds a metric's series into one value: additive math sums the buckets,
// everything else takes the mean over buckets.
func Total(s model.GroupedSeries, m model.Metric) float64 {
	key := Key(m, nil)
	var sum float64
	for _, p := range s.Series {
		sum += p.Values[key]
	}
	if m.Math.Additive() || len(s.Series) == 0 {
		return sum
	}
	return sum / float64(len(s.Series))
}

// Stats compares each metric of an ungrouped series with its previous period.
func Stats(current, previous model.GroupedSeries, metrics []model.Metric) map[string]model.StatComparison {
	out := make(map[string]model.StatComparison, len(metrics))
	for _, m := range metrics {
		cur, prev := Total(current, m), Total(previous, m)
		out[m.Key()] = model.StatComparison{Current: cur, Previous: prev, Change: cur - prev}
	}
	return out
}

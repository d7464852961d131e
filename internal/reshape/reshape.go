// Package reshape turns sparse aggregate rows into dense, deterministic results.
package reshape

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"insights-engine/internal/model"
	"insights-engine/internal/timeseries"
)

// NullLabel is the group value reported for SQL NULL.
const NullLabel = "null"

// Frame is the time context and shape of an aggregate statement's rows.
type Frame struct {
	Start    time.Time
	End      time.Time
	Unit     model.Unit
	Location *time.Location
	Metrics  []model.Metric
	Groups   []model.GroupSpec
}

type observation struct {
	bucket time.Time
	values []string
	row    model.Row
}

func (o observation) sortKey() string {
	return strings.Join(o.values, "\x00")
}

// Series zero-fills every bucket of the frame for every group key. Output does not
// depend on the order of rows.
func Series(f Frame, rows []model.Row) (model.GroupedSeries, error) {
	buckets := timeseries.MaterializeRange(f.Start, f.End, f.Unit, f.Location)
	index := make(map[int64]int, len(buckets))
	for i, b := range buckets {
		index[b.UnixMilli()] = i
	}

	obs := make([]observation, 0, len(rows))
	for _, row := range rows {
		b, err := timeseries.ParseBucket(row[model.DateColumn], f.Location)
		if err != nil {
			return model.GroupedSeries{}, &model.ReshapeInvariantError{Message: err.Error()}
		}
		if _, ok := index[b.UnixMilli()]; !ok {
			return model.GroupedSeries{}, &model.ReshapeInvariantError{
				Message: fmt.Sprintf("bucket %s is outside the requested range", b.Format(time.RFC3339)),
			}
		}
		o := observation{bucket: b, row: row, values: make([]string, len(f.Groups))}
		for i := range f.Groups {
			o.values[i] = Label(row[model.GroupColumn(i)])
		}
		obs = append(obs, o)
	}
	sort.SliceStable(obs, func(i, j int) bool {
		if !obs[i].bucket.Equal(obs[j].bucket) {
			return obs[i].bucket.Before(obs[j].bucket)
		}
		return obs[i].sortKey() < obs[j].sortKey()
	})

	tuples := groupTuples(f.Groups, obs)
	keys := make([]model.GroupKey, 0, len(f.Metrics)*len(tuples))
	for _, m := range f.Metrics {
		for _, t := range tuples {
			keys = append(keys, model.GroupKey{Key: Key(m, t), Metric: m.Key(), Values: t})
		}
	}

	series := make([]model.SeriesPoint, len(buckets))
	for i, b := range buckets {
		values := make(map[string]float64, len(keys))
		for _, k := range keys {
			values[k.Key] = 0
		}
		series[i] = model.SeriesPoint{BucketStart: b, Values: values}
	}
	for _, o := range obs {
		point := series[index[o.bucket.UnixMilli()]]
		for j, m := range f.Metrics {
			v, err := ToFloat(o.row[model.MetricColumn(j)])
			if err != nil {
				return model.GroupedSeries{}, &model.ReshapeInvariantError{Message: err.Error()}
			}
			point.Values[Key(m, o.values)] += v
		}
	}

	return model.GroupedSeries{Unit: f.Unit, Groups: keys, Series: series}, nil
}

// Key is the series key of a metric and group tuple: "metric|v1|v2".
func Key(m model.Metric, values []string) string {
	return strings.Join(append([]string{m.Key()}, values...), "|")
}

// groupTuples orders the group value tuples: declared custom labels in rule order,
// other values in first-observed order.
func groupTuples(groups []model.GroupSpec, obs []observation) [][]string {
	if len(groups) == 0 {
		return [][]string{{}}
	}

	rank := make([]map[string]int, len(groups))
	for i, g := range groups {
		rank[i] = make(map[string]int)
		for j, label := range g.Labels() {
			rank[i][label] = j
		}
	}
	seen := make(map[string]bool)
	var tuples [][]string
	add := func(t []string) {
		k := strings.Join(t, "\x00")
		if !seen[k] {
			seen[k] = true
			tuples = append(tuples, t)
		}
	}

	for _, o := range obs {
		for i := range groups {
			if _, ok := rank[i][o.values[i]]; !ok {
				rank[i][o.values[i]] = len(rank[i])
			}
		}
	}

	// Every declared label appears for each observed combination of the plain dimensions.
	plain := [][]string{make([]string, len(groups))}
	plainSeen := make(map[string]bool)
	if hasPlain(groups) {
		plain = nil
		for _, o := range obs {
			t := make([]string, len(groups))
			for i, g := range groups {
				if len(g.CustomGroups) == 0 {
					t[i] = o.values[i]
				}
			}
			k := strings.Join(t, "\x00")
			if !plainSeen[k] {
				plainSeen[k] = true
				plain = append(plain, t)
			}
		}
	}
	for _, base := range plain {
		for _, t := range expandLabels(groups, base, 0) {
			add(t)
		}
	}
	for _, o := range obs {
		add(o.values)
	}

	sort.SliceStable(tuples, func(a, b int) bool {
		for i := range groups {
			ra, rb := rank[i][tuples[a][i]], rank[i][tuples[b][i]]
			if ra != rb {
				return ra < rb
			}
		}
		return false
	})
	return tuples
}

func hasPlain(groups []model.GroupSpec) bool {
	for _, g := range groups {
		if len(g.CustomGroups) == 0 {
			return true
		}
	}
	return false
}

func expandLabels(groups []model.GroupSpec, base []string, i int) [][]string {
	if i == len(groups) {
		return [][]string{append([]string(nil), base...)}
	}
	labels := groups[i].Labels()
	if len(labels) == 0 {
		return expandLabels(groups, base, i+1)
	}
	var out [][]string
	for _, label := range labels {
		t := append([]string(nil), base...)
		t[i] = label
		out = append(out, expandLabels(groups, t, i+1)...)
	}
	return out
}

// Label formats a group column value.
func Label(v any) string {
	switch val := v.(type) {
	case nil:
		return NullLabel
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return NullLabel
		}
		return Label(rv.Elem().Interface())
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}

// ToFloat reads a metric column value. NULL and non-finite values read as zero.
func ToFloat(v any) (float64, error) {
	var f float64
	switch val := v.(type) {
	case nil:
		return 0, nil
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int8:
		f = float64(val)
	case int16:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case uint:
		f = float64(val)
	case uint8:
		f = float64(val)
	case uint16:
		f = float64(val)
	case uint32:
		f = float64(val)
	case uint64:
		f = float64(val)
	case bool:
		if val {
			f = 1
		}
	case decimal.Decimal:
		f = val.InexactFloat64()
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return 0, fmt.Errorf("metric value %q is not numeric", val)
		}
		f = d.InexactFloat64()
	case []byte:
		return ToFloat(string(val))
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer {
			return 0, fmt.Errorf("unsupported metric value of type %T", v)
		}
		if rv.IsNil() {
			return 0, nil
		}
		return ToFloat(rv.Elem().Interface())
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, nil
	}
	return f, nil
}

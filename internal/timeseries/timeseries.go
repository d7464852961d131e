// Package timeseries chooses bucket units and materializes calendar-complete bucket sequences.
package timeseries

import (
	"fmt"
	"strings"
	"time"

	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

const (
	minuteUnitMax = 60 * time.Minute
	hourUnitMax   = 48 * time.Hour
	dayUnitMax    = 90 * 24 * time.Hour
	monthUnitMax  = 24
)

// LoadLocation resolves a caller timezone; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, model.NewValidationError("invalid timezone %q", name)
	}
	return loc, nil
}

// ChooseUnit derives the bucket unit from the range length. Boundaries belong to the smaller unit.
func ChooseUnit(start, end time.Time) model.Unit {
	d := end.Sub(start)
	switch {
	case d <= minuteUnitMax:
		return model.UnitMinute
	case d <= hourUnitMax:
		return model.UnitHour
	case d <= dayUnitMax:
		return model.UnitDay
	case !end.After(start.AddDate(0, monthUnitMax, 0)):
		return model.UnitMonth
	default:
		return model.UnitYear
	}
}

// ResolveUnit returns the explicit unit of the range or derives one.
func ResolveUnit(r model.TimeRange) model.Unit {
	if r.Unit != "" {
		return r.Unit
	}
	return ChooseUnit(r.Start(), r.End())
}

// Floor returns the start of the bucket containing t, on the wall clock of loc.
func Floor(t time.Time, unit model.Unit, loc *time.Location) time.Time {
	t = t.In(loc)
	switch unit {
	case model.UnitMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	case model.UnitHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case model.UnitMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case model.UnitYear:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
}

// Next returns the start of the bucket after the one starting at t.
func Next(t time.Time, unit model.Unit, loc *time.Location) time.Time {
	t = t.In(loc)
	switch unit {
	case model.UnitMinute:
		return t.Add(time.Minute)
	case model.UnitHour:
		return t.Add(time.Hour)
	case model.UnitMonth:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
	case model.UnitYear:
		return time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
	}
}

// MaterializeRange lists every bucket start covering [start, end] in order, without gaps.
func MaterializeRange(start, end time.Time, unit model.Unit, loc *time.Location) []time.Time {
	if end.Before(start) {
		end = start
	}
	var out []time.Time
	for b := Floor(start, unit, loc); !b.After(end); b = Next(b, unit, loc) {
		out = append(out, b)
	}
	return out
}

// CountBuckets counts the buckets of a range, stopping once limit is exceeded.
func CountBuckets(start, end time.Time, unit model.Unit, loc *time.Location, limit int) (int, bool) {
	n := 0
	for b := Floor(start, unit, loc); !b.After(end); b = Next(b, unit, loc) {
		n++
		if limit > 0 && n > limit {
			return n, false
		}
	}
	return n, true
}

// Offset counts the buckets from the bucket of from to the bucket of to.
func Offset(from, to time.Time, unit model.Unit, loc *time.Location) int {
	from, to = Floor(from, unit, loc), Floor(to, unit, loc)
	switch unit {
	case model.UnitMinute:
		return int(to.Sub(from) / time.Minute)
	case model.UnitHour:
		return int(to.Sub(from) / time.Hour)
	case model.UnitMonth:
		return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	case model.UnitYear:
		return to.Year() - from.Year()
	default:
		a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
		b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
		return int(b.Sub(a) / (24 * time.Hour))
	}
}

// Advance moves a bucket start forward by n buckets.
func Advance(t time.Time, n int, unit model.Unit, loc *time.Location) time.Time {
	for i := 0; i < n; i++ {
		t = Next(t, unit, loc)
	}
	return t
}

// PreviousRange is the period of identical length immediately before [start, end].
func PreviousRange(start, end time.Time) (time.Time, time.Time) {
	length := end.Sub(start)
	prevEnd := start.Add(-time.Millisecond)
	return prevEnd.Add(-length), prevEnd
}

// TruncateExpr is the store side bucket expression for column, evaluated in loc.
func TruncateExpr(column sqlbuilder.Fragment, unit model.Unit, loc *time.Location) sqlbuilder.Fragment {
	tz := ""
	if loc != nil {
		tz = loc.String()
	}
	return sqlbuilder.Bucket(column, unit, tz)
}

var bucketLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01-02T15:04:05",
}

// ParseBucket reads a bucket value returned by a store as a wall-clock instant in loc.
func ParseBucket(v any, loc *time.Location) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return time.Date(val.Year(), val.Month(), val.Day(), val.Hour(), val.Minute(), val.Second(), 0, loc), nil
	case *time.Time:
		if val == nil {
			return time.Time{}, fmt.Errorf("bucket value is null")
		}
		return ParseBucket(*val, loc)
	case []byte:
		return ParseBucket(string(val), loc)
	case string:
		for _, layout := range bucketLayouts {
			if t, err := time.ParseInLocation(layout, val, loc); err == nil {
				return t, nil
			}
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.In(loc), nil
		}
		return time.Time{}, fmt.Errorf("unrecognised bucket value %q", val)
	default:
		return time.Time{}, fmt.Errorf("unsupported bucket value of type %T", v)
	}
}

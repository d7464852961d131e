package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

type TimeSeriesTestSuite struct {
	suite.Suite

	start time.Time
}

func TestTimeSeries(t *testing.T) {
	suite.Run(t, new(TimeSeriesTestSuite))
}

func (s *TimeSeriesTestSuite) SetupTest() {
	s.start = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
}

func (s *TimeSeriesTestSuite) TestChooseUnit_Boundaries() {
	tests := []struct {
		name string
		end  time.Time
		want model.Unit
	}{
		{"zero length", s.start, model.UnitMinute},
		{"exactly 60 minutes", s.start.Add(60 * time.Minute), model.UnitMinute},
		{"61 minutes", s.start.Add(61 * time.Minute), model.UnitHour},
		{"exactly 48 hours", s.start.Add(48 * time.Hour), model.UnitHour},
		{"49 hours", s.start.Add(49 * time.Hour), model.UnitDay},
		{"exactly 90 days", s.start.Add(90 * 24 * time.Hour), model.UnitDay},
		{"91 days", s.start.Add(91 * 24 * time.Hour), model.UnitMonth},
		{"exactly 24 months", s.start.AddDate(0, 24, 0), model.UnitMonth},
		{"24 months and a day", s.start.AddDate(0, 24, 1), model.UnitYear},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Equal(tt.want, ChooseUnit(s.start, tt.end))
		})
	}
}

func (s *TimeSeriesTestSuite) TestResolveUnit_ExplicitWins() {
	r := model.TimeRange{StartAt: s.start.UnixMilli(), EndAt: s.start.Add(time.Hour).UnixMilli(), Unit: model.UnitDay}
	s.Equal(model.UnitDay, ResolveUnit(r))
	r.Unit = ""
	s.Equal(model.UnitMinute, ResolveUnit(r))
}

func (s *TimeSeriesTestSuite) TestMaterializeRange_OneDayHourly() {
	end := s.start.Add(24*time.Hour - time.Millisecond)
	buckets := MaterializeRange(s.start, end, model.UnitHour, time.UTC)
	s.Len(buckets, 24)
	s.Equal(s.start, buckets[0])
	s.Equal(s.start.Add(23*time.Hour), buckets[23])
}

func (s *TimeSeriesTestSuite) TestMaterializeRange_SingleInstant() {
	buckets := MaterializeRange(s.start, s.start, model.UnitDay, time.UTC)
	s.Len(buckets, 1)
}

func (s *TimeSeriesTestSuite) TestMaterializeRange_ContiguousAndUnique() {
	loc, err := LoadLocation("America/New_York")
	s.Require().NoError(err)

	start := time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC)
	end := time.Date(2025, 11, 20, 2, 0, 0, 0, time.UTC)
	for _, unit := range []model.Unit{model.UnitHour, model.UnitDay, model.UnitMonth, model.UnitYear} {
		s.Run(string(unit), func() {
			buckets := MaterializeRange(start, end, unit, loc)
			s.Require().NotEmpty(buckets)
			s.False(buckets[0].After(start))
			s.False(buckets[len(buckets)-1].After(end))
			s.True(Next(buckets[len(buckets)-1], unit, loc).After(end))
			for i := 1; i < len(buckets); i++ {
				s.True(buckets[i].After(buckets[i-1]))
				s.Equal(Next(buckets[i-1], unit, loc), buckets[i])
			}
		})
	}
}

func (s *TimeSeriesTestSuite) TestFloor_UsesCallerTimezone() {
	loc, err := LoadLocation("Asia/Kolkata")
	s.Require().NoError(err)

	t := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	day := Floor(t, model.UnitDay, loc)
	s.Equal(time.Date(2025, 3, 2, 0, 0, 0, 0, loc), day)

	hour := Floor(t, model.UnitHour, loc)
	s.Equal(30, hour.UTC().Minute())
}

func (s *TimeSeriesTestSuite) TestCountBuckets_StopsAtLimit() {
	n, ok := CountBuckets(s.start, s.start.Add(24*time.Hour), model.UnitMinute, time.UTC, 100)
	s.False(ok)
	s.Equal(101, n)

	n, ok = CountBuckets(s.start, s.start.Add(2*time.Hour), model.UnitHour, time.UTC, 100)
	s.True(ok)
	s.Equal(3, n)
}

func (s *TimeSeriesTestSuite) TestOffset() {
	s.Equal(0, Offset(s.start, s.start.Add(5*time.Hour), model.UnitDay, time.UTC))
	s.Equal(3, Offset(s.start, s.start.AddDate(0, 0, 3), model.UnitDay, time.UTC))
	s.Equal(14, Offset(s.start, s.start.AddDate(1, 2, 0), model.UnitMonth, time.UTC))
	s.Equal(2, Offset(s.start, s.start.AddDate(2, 0, 0), model.UnitYear, time.UTC))
	s.Equal(s.start.AddDate(0, 3, 0), Advance(s.start, 3, model.UnitMonth, time.UTC))
}

func (s *TimeSeriesTestSuite) TestPreviousRange() {
	end := s.start.Add(24*time.Hour - time.Millisecond)
	prevStart, prevEnd := PreviousRange(s.start, end)
	s.Equal(s.start.Add(-time.Millisecond), prevEnd)
	s.Equal(end.Sub(s.start), prevEnd.Sub(prevStart))
}

func (s *TimeSeriesTestSuite) TestParseBucket() {
	loc, err := LoadLocation("Europe/Berlin")
	s.Require().NoError(err)

	got, err := ParseBucket("2025-03-01 10:00:00", loc)
	s.Require().NoError(err)
	s.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, loc), got)

	got, err = ParseBucket([]byte("2025-03-01"), loc)
	s.Require().NoError(err)
	s.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, loc), got)

	got, err = ParseBucket(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), loc)
	s.Require().NoError(err)
	s.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, loc), got)

	_, err = ParseBucket("not a date", loc)
	s.Error(err)
	_, err = ParseBucket(42, loc)
	s.Error(err)
}

func (s *TimeSeriesTestSuite) TestLoadLocation() {
	loc, err := LoadLocation("")
	s.Require().NoError(err)
	s.Equal(time.UTC, loc)

	_, err = LoadLocation("Mars/Olympus")
	var validationErr *model.ValidationError
	s.ErrorAs(err, &validationErr)
}

func (s *TimeSeriesTestSuite) TestTruncateExpr() {
	loc, _ := LoadLocation("Asia/Tokyo")
	sql, args, err := TruncateExpr(sqlbuilder.Ident("created_at"), model.UnitDay, loc).Render(sqlbuilder.ClickHouse)
	s.Require().NoError(err)
	s.Equal("formatDateTime(`created_at`, '%Y-%m-%d', ?)", sql)
	s.Equal([]any{"Asia/Tokyo"}, args)
}

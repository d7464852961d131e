package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"insights-engine/internal/model"
	mockservice "insights-engine/internal/testdata/mockservice"
)

type fakeReloader struct {
	changed []string
	err     error
}

func (r *fakeReloader) Reload() ([]string, error) {
	return r.changed, r.err
}

type fakeInvalidator struct {
	all int
}

func (f *fakeInvalidator) Invalidate(string) {}
func (f *fakeInvalidator) InvalidateAll()    { f.all++ }

type ControllerTestSuite struct {
	suite.Suite
	app      *fiber.App
	service  *mockservice.Service
	reloader *fakeReloader
	cache    *fakeInvalidator
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}

func (s *ControllerTestSuite) SetupTest() {
	s.service = &mockservice.Service{}
	s.reloader = &fakeReloader{}
	s.cache = &fakeInvalidator{}
	ctrl := NewInsightController(s.service, s.reloader, s.cache)
	s.app = fiber.New()
	s.app.Post("/insights/query", ctrl.Query)
	s.app.Post("/insights/events", ctrl.Events)
	s.app.Post("/insights/retention", ctrl.Retention)
	s.app.Post("/insights/compile", ctrl.Compile)
	s.app.Post("/admin/registry/reload", ctrl.ReloadRegistry)
}

func sampleQuery() model.InsightQuery {
	return model.InsightQuery{
		InsightID:   "site-1",
		InsightType: model.InsightTypeWebsite,
		WorkspaceID: "ws-1",
		Metrics:     []model.Metric{{Name: model.AllEvent, Math: model.MathEvents}},
		Time:        model.TimeRange{StartAt: 0, EndAt: 3_600_000},
	}
}

func (s *ControllerTestSuite) TestQuery_Success() {
	expected := model.InsightResult{GroupedSeries: model.GroupedSeries{Unit: model.UnitMinute}}
	s.service.On("Query", mock.Anything, mock.MatchedBy(func(q model.InsightQuery) bool {
		return q.InsightID == "site-1" && q.Time.Timezone == ""
	})).Return(expected, nil)

	resp := s.performRequest("/insights/query", sampleQuery(), "")

	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	var got model.InsightResult
	require.NoError(s.T(), json.NewDecoder(resp.Body).Decode(&got))
	s.Equal(model.UnitMinute, got.Unit)
}

func (s *ControllerTestSuite) TestQuery_TimezonePrecedence() {
	s.Run("header used when body has none", func() {
		s.service.On("Query", mock.Anything, mock.MatchedBy(func(q model.InsightQuery) bool {
			return q.Time.Timezone == "Asia/Tokyo"
		})).Return(model.InsightResult{}, nil).Once()

		resp := s.performRequest("/insights/query", sampleQuery(), "Asia/Tokyo")
		s.Equal(http.StatusOK, resp.StatusCode)
	})

	s.Run("body wins over header", func() {
		q := sampleQuery()
		q.Time.Timezone = "Europe/Berlin"
		s.service.On("Query", mock.Anything, mock.MatchedBy(func(q model.InsightQuery) bool {
			return q.Time.Timezone == "Europe/Berlin"
		})).Return(model.InsightResult{}, nil).Once()

		resp := s.performRequest("/insights/query", q, "Asia/Tokyo")
		s.Equal(http.StatusOK, resp.StatusCode)
	})
}

func (s *ControllerTestSuite) TestQuery_InvalidJSON() {
	req := httptest.NewRequest(http.MethodPost, "/insights/query", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	resp, _ := s.app.Test(req, -1)
	require.Equal(s.T(), http.StatusBadRequest, resp.StatusCode)
}

func (s *ControllerTestSuite) TestQuery_ErrorMapping() {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "validation", err: model.NewValidationError("bad range"), status: http.StatusBadRequest},
		{name: "unknown field", err: &model.UnknownFieldError{Domain: model.InsightTypeWebsite, Field: "x"}, status: http.StatusBadRequest},
		{name: "operator", err: &model.InvalidOperatorForTypeError{Field: "x", Operator: "contains", Type: model.FieldNumber}, status: http.StatusBadRequest},
		{name: "unsupported type", err: &model.UnsupportedInsightTypeError{Type: "crm"}, status: http.StatusBadRequest},
		{name: "timeout", err: &model.StoreTimeoutError{Domain: model.InsightTypeWebsite, Err: errors.New("deadline")}, status: http.StatusGatewayTimeout},
		{name: "store", err: &model.StoreExecutionError{Domain: model.InsightTypeWebsite, Err: errors.New("down")}, status: http.StatusBadGateway},
		{name: "reshape", err: &model.ReshapeInvariantError{Message: "offset 0"}, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.service.On("Query", mock.Anything, mock.Anything).Return(model.InsightResult{}, tt.err)

			resp := s.performRequest("/insights/query", sampleQuery(), "")

			s.Equal(tt.status, resp.StatusCode)
		})
	}
}

func (s *ControllerTestSuite) TestEvents_Success() {
	page := model.EventPage{Items: []model.InsightEvent{{ID: "e1", Name: "click"}}, NextCursor: "abc"}
	s.service.On("QueryEvents", mock.Anything, mock.Anything).Return(page, nil)

	resp := s.performRequest("/insights/events", sampleQuery(), "")

	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	var got model.EventPage
	require.NoError(s.T(), json.NewDecoder(resp.Body).Decode(&got))
	s.Equal("abc", got.NextCursor)
	s.Len(got.Items, 1)
}

func (s *ControllerTestSuite) TestRetention_HeaderTimezone() {
	q := model.RetentionQuery{InsightID: "orders", WorkspaceID: "ws-1", StartAt: 0, EndAt: 86_400_000}
	s.service.On("Retention", mock.Anything, mock.MatchedBy(func(q model.RetentionQuery) bool {
		return q.Timezone == "America/New_York"
	})).Return(model.RetentionMatrix{Unit: model.UnitDay}, nil)

	resp := s.performRequest("/insights/retention", q, "America/New_York")

	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
}

func (s *ControllerTestSuite) TestCompile_Success() {
	compiled := []model.CompiledStatement{{Name: "series", Dialect: "clickhouse", SQL: "SELECT 1", Args: []any{}}}
	s.service.On("Compile", mock.Anything).Return(compiled, nil)

	resp := s.performRequest("/insights/compile", sampleQuery(), "")

	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	s.JSONEq(`{"statements":[{"name":"series","dialect":"clickhouse","sql":"SELECT 1","args":[]}]}`, string(body))
}

func (s *ControllerTestSuite) TestReloadRegistry() {
	s.reloader.changed = []string{"ws-1"}

	resp := s.performRequest("/admin/registry/reload", nil, "")

	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	s.Equal(1, s.cache.all)
	body, _ := io.ReadAll(resp.Body)
	s.JSONEq(`{"status":"reloaded","changedWorkspaces":["ws-1"]}`, string(body))
}

func (s *ControllerTestSuite) TestReloadRegistry_Failure() {
	s.reloader.err = errors.New("bad yaml")

	resp := s.performRequest("/admin/registry/reload", nil, "")

	require.Equal(s.T(), http.StatusInternalServerError, resp.StatusCode)
	s.Equal(0, s.cache.all)
}

func (s *ControllerTestSuite) performRequest(path string, body any, timezone string) *http.Response {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if timezone != "" {
		req.Header.Set(TimezoneHeader, timezone)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(s.T(), err)
	return resp
}

package http

import (
	"bytes"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"insights-engine/internal/config"
	"insights-engine/internal/controller"
	"insights-engine/internal/metrics"
	"insights-engine/internal/model"
	"insights-engine/internal/testdata/mockservice"
)

type noopReloader struct{}

func (noopReloader) Reload() ([]string, error) { return nil, nil }

type ServerTestSuite struct {
	suite.Suite

	service *mockservice.Service
	server  *Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	collector.ObserveQuery("website", "query", metrics.OutcomeOK, 10*time.Millisecond)

	s.service = &mockservice.Service{}
	ctrl := controller.NewInsightController(s.service, noopReloader{}, nil)
	s.server = NewServer(&config.Config{}, ctrl, reg, zap.NewNop())
}

func (s *ServerTestSuite) do(method, path string, body []byte) (*nethttp.Response, string) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.server.App().Test(req, -1)
	s.Require().NoError(err)
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func (s *ServerTestSuite) TestHealth() {
	resp, body := s.do(nethttp.MethodGet, "/health", nil)

	s.Equal(nethttp.StatusOK, resp.StatusCode)
	s.JSONEq(`{"status":"ok"}`, body)
	s.NotEmpty(resp.Header.Get("X-Request-ID"))
}

func (s *ServerTestSuite) TestMetrics() {
	resp, body := s.do(nethttp.MethodGet, "/metrics", nil)

	s.Equal(nethttp.StatusOK, resp.StatusCode)
	s.Contains(body, `insights_queries_total{domain="website",kind="query",outcome="ok"} 1`)
}

func (s *ServerTestSuite) TestErrorsRenderAsJSON() {
	s.service.On("Query", mock.Anything, mock.Anything).
		Return(model.InsightResult{}, model.NewValidationError("time.startAt must not be after time.endAt"))

	resp, body := s.do(nethttp.MethodPost, "/insights/query", []byte(`{"insightId":"a","insightType":"website"}`))

	s.Equal(nethttp.StatusBadRequest, resp.StatusCode)
	s.JSONEq(`{"error":"time.startAt must not be after time.endAt"}`, body)
}

func (s *ServerTestSuite) TestUnknownRoute() {
	resp, _ := s.do(nethttp.MethodGet, "/nope", nil)

	s.Equal(nethttp.StatusNotFound, resp.StatusCode)
}

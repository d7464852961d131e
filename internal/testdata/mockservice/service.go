package mockservice

import (
	"context"

	"github.com/stretchr/testify/mock"

	"insights-engine/internal/model"
	"insights-engine/internal/service"
)

type Service struct {
	mock.Mock
}

// Interface compliance check
var _ service.InsightService = &Service{}

func (m *Service) Query(ctx context.Context, q model.InsightQuery) (model.InsightResult, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(model.InsightResult), args.Error(1)
}

func (m *Service) QueryEvents(ctx context.Context, q model.InsightQuery) (model.EventPage, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(model.EventPage), args.Error(1)
}

func (m *Service) Retention(ctx context.Context, q model.RetentionQuery) (model.RetentionMatrix, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(model.RetentionMatrix), args.Error(1)
}

func (m *Service) Compile(q model.InsightQuery) ([]model.CompiledStatement, error) {
	args := m.Called(q)
	compiled, _ := args.Get(0).([]model.CompiledStatement)
	return compiled, args.Error(1)
}

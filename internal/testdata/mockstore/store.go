package mockstore

import (
	"context"

	"github.com/stretchr/testify/mock"

	"insights-engine/internal/model"
	"insights-engine/internal/repository"
	"insights-engine/internal/sqlbuilder"
)

type Store struct {
	mock.Mock
}

// Interface compliance check
var _ repository.Store = &Store{}

func (m *Store) Execute(ctx context.Context, stmt sqlbuilder.Statement) ([]model.Row, error) {
	args := m.Called(ctx, stmt)
	rows, _ := args.Get(0).([]model.Row)
	return rows, args.Error(1)
}

func (m *Store) ExecuteMulti(ctx context.Context, stmts []sqlbuilder.Statement) ([][]model.Row, error) {
	args := m.Called(ctx, stmts)
	rows, _ := args.Get(0).([][]model.Row)
	return rows, args.Error(1)
}

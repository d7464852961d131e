package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"insights-engine/internal/insight"
	"insights-engine/internal/testdata/mockclickhouseconnection"
)

type SchemaTestSuite struct {
	suite.Suite

	conn   *mockclickhouseconnection.Connection
	tables []insight.TableSchema
}

func TestSchemaSuite(t *testing.T) {
	suite.Run(t, new(SchemaTestSuite))
}

func (s *SchemaTestSuite) SetupTest() {
	s.conn = &mockclickhouseconnection.Connection{}
	s.tables = []insight.TableSchema{{Table: "website_events", Columns: []string{"id", "created_at", "browser"}}}
}

func (s *SchemaTestSuite) expectColumns(table string, names ...string) {
	s.conn.On("Select", mock.Anything, mock.Anything, mock.Anything, []any{table}).
		Run(func(args mock.Arguments) {
			dest := args.Get(1).(*[]columnRow)
			for _, n := range names {
				*dest = append(*dest, columnRow{Name: n})
			}
		}).
		Return(nil).Once()
}

func (s *SchemaTestSuite) TestVerifySchema_OK() {
	s.expectColumns("website_events", "id", "created_at", "browser", "os")

	err := VerifySchema(context.Background(), s.conn, s.tables)

	s.NoError(err)
	s.conn.AssertExpectations(s.T())
}

func (s *SchemaTestSuite) TestVerifySchema_MissingColumns() {
	s.expectColumns("website_events", "id")

	err := VerifySchema(context.Background(), s.conn, s.tables)

	s.EqualError(err, "table website_events is missing columns: browser, created_at")
}

func (s *SchemaTestSuite) TestVerifySchema_MissingTable() {
	s.expectColumns("website_events")

	err := VerifySchema(context.Background(), s.conn, s.tables)

	s.EqualError(err, "table website_events does not exist")
}

func (s *SchemaTestSuite) TestVerifySchema_QueryError() {
	s.conn.On("Select", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused")).Once()

	err := VerifySchema(context.Background(), s.conn, s.tables)

	s.ErrorContains(err, "read columns of website_events")
}

func (s *SchemaTestSuite) TestTelemetrySchemaIsComplete() {
	for _, t := range insight.TelemetrySchema() {
		s.expectColumns(t.Table, t.Columns...)
	}

	s.NoError(VerifySchema(context.Background(), s.conn, insight.TelemetrySchema()))
}

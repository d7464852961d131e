package mockclickhouserows

import (
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// Rows is a testify mock of driver.Rows.
type Rows struct {
	mock.Mock
}

var _ driver.Rows = &Rows{}

func (m *Rows) Next() bool {
	return m.Called().Bool(0)
}

func (m *Rows) Scan(dest ...any) error {
	return m.Called(dest...).Error(0)
}

func (m *Rows) ScanStruct(dest any) error {
	return m.Called(dest).Error(0)
}

func (m *Rows) ColumnTypes() []driver.ColumnType {
	return m.Called().Get(0).([]driver.ColumnType)
}

func (m *Rows) Totals(dest ...any) error {
	return m.Called(dest...).Error(0)
}

func (m *Rows) Columns() []string {
	return m.Called().Get(0).([]string)
}

func (m *Rows) Close() error {
	return m.Called().Error(0)
}

func (m *Rows) Err() error {
	return m.Called().Error(0)
}

// Column is a fixed driver.ColumnType.
type Column struct {
	ColumnName string
	Type       reflect.Type
	DBType     string
}

var _ driver.ColumnType = Column{}

func (c Column) Name() string             { return c.ColumnName }
func (c Column) Nullable() bool           { return c.Type.Kind() == reflect.Pointer }
func (c Column) ScanType() reflect.Type   { return c.Type }
func (c Column) DatabaseTypeName() string { return c.DBType }

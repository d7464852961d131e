package registry

import (
	"net/url"
	"strings"

	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

// Layout is the physical shape of a warehouse application.
type Layout string

const (
	LayoutLongTable Layout = "longTable"
	LayoutWideTable Layout = "wideTable"
)

// TimeFieldType is how a created-at column is stored.
type TimeFieldType string

const (
	TimeFieldTimestamp   TimeFieldType = "timestamp"
	TimeFieldTimestampMs TimeFieldType = "timestampMs"
	TimeFieldDate        TimeFieldType = "date"
	TimeFieldDatetime    TimeFieldType = "datetime"
)

// Kind maps the stored representation to the builder's time kind.
func (t TimeFieldType) Kind() sqlbuilder.TimeKind {
	switch t {
	case TimeFieldTimestamp:
		return sqlbuilder.TimeUnixSeconds
	case TimeFieldDate:
		return sqlbuilder.TimeDate
	case TimeFieldDatetime:
		return sqlbuilder.TimeDateString
	default:
		return sqlbuilder.TimeUnixMillis
	}
}

// Driver is the SQL driver a warehouse URL speaks.
type Driver string

const (
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgresql"
)

// DetectDriver picks the driver from the URL scheme, defaulting to MySQL.
func DetectDriver(rawURL string) Driver {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DriverMySQL
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		return DriverPostgres
	default:
		return DriverMySQL
	}
}

// FieldDef declares a typed column or parameter.
type FieldDef struct {
	Name string          `yaml:"name" validate:"required"`
	Type model.FieldType `yaml:"type" validate:"omitempty,oneof=string number boolean date"`
}

// FieldType defaults undeclared types to string.
func (f FieldDef) FieldType() model.FieldType {
	if f.Type == "" {
		return model.FieldString
	}
	return f.Type
}

// EventTable describes the event table of a long-table application.
type EventTable struct {
	Name                    string        `yaml:"name" validate:"required"`
	IDField                 string        `yaml:"idField"`
	EventNameField          string        `yaml:"eventNameField" validate:"required"`
	SessionIDField          string        `yaml:"sessionIdField"`
	CreatedAtField          string        `yaml:"createdAtField" validate:"required"`
	CreatedAtFieldType      TimeFieldType `yaml:"createdAtFieldType" validate:"omitempty,oneof=timestamp timestampMs date datetime"`
	DateBasedCreatedAtField string        `yaml:"dateBasedCreatedAtField"`
}

// ParametersTable describes the attribute table of a long-table application.
type ParametersTable struct {
	Name                   string `yaml:"name" validate:"required"`
	EventIDField           string `yaml:"eventIdField"`
	EventNameField         string `yaml:"eventNameField" validate:"required"`
	ParamsNameField        string `yaml:"paramsNameField" validate:"required"`
	ParamsValueField       string `yaml:"paramsValueField" validate:"required"`
	ParamsValueNumberField string `yaml:"paramsValueNumberField"`
	ParamsValueStringField string `yaml:"paramsValueStringField"`
	ParamsValueDateField   string `yaml:"paramsValueDateField"`
}

// ValueField returns the value column used for a parameter of type t.
func (p ParametersTable) ValueField(t model.FieldType) string {
	var field string
	switch t {
	case model.FieldNumber:
		field = p.ParamsValueNumberField
	case model.FieldString:
		field = p.ParamsValueStringField
	case model.FieldDate:
		field = p.ParamsValueDateField
	}
	if field == "" {
		return p.ParamsValueField
	}
	return field
}

// Application is a registered warehouse source. Long-table applications use EventTable,
// EventParametersTable and Parameters; wide-table applications use the remaining fields.
type Application struct {
	Name        string `yaml:"name" validate:"required"`
	Type        Layout `yaml:"type" validate:"required,oneof=longTable wideTable"`
	DatabaseURL string `yaml:"databaseUrl"`

	EventTable           *EventTable      `yaml:"eventTable" validate:"required_if=Type longTable"`
	EventParametersTable *ParametersTable `yaml:"eventParametersTable" validate:"required_if=Type longTable"`
	Parameters           []FieldDef       `yaml:"parameters" validate:"dive"`

	TableName               string        `yaml:"tableName" validate:"required_if=Type wideTable"`
	IDField                 string        `yaml:"idField"`
	Fields                  []FieldDef    `yaml:"fields" validate:"dive"`
	DistinctField           string        `yaml:"distinctField" validate:"required_if=Type wideTable"`
	CreatedAtField          string        `yaml:"createdAtField" validate:"required_if=Type wideTable"`
	CreatedAtFieldType      TimeFieldType `yaml:"createdAtFieldType" validate:"omitempty,oneof=timestamp timestampMs date datetime"`
	DateBasedCreatedAtField string        `yaml:"dateBasedCreatedAtField"`
}

// Driver detects the SQL driver of the application's connection.
func (a Application) Driver() Driver {
	return DetectDriver(a.DatabaseURL)
}

// Dialect is the SQL dialect matching the application's driver.
func (a Application) Dialect() sqlbuilder.Dialect {
	if a.Driver() == DriverPostgres {
		return sqlbuilder.Postgres
	}
	return sqlbuilder.MySQL
}

// TimeType is the stored created-at type, defaulting to epoch milliseconds.
func (a Application) TimeType() TimeFieldType {
	if a.CreatedAtFieldType == "" {
		return TimeFieldTimestampMs
	}
	return a.CreatedAtFieldType
}

// Workspace is the warehouse configuration of one workspace.
type Workspace struct {
	Enabled            *bool         `yaml:"enabled"`
	DefaultDatabaseURL string        `yaml:"defaultDatabaseUrl"`
	Applications       []Application `yaml:"applications" validate:"dive"`
}

func (w Workspace) enabled() bool {
	return w.Enabled == nil || *w.Enabled
}

package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"insights-engine/internal/model"
	"insights-engine/internal/sqlbuilder"
)

var allowedOperators = map[model.FieldType]map[model.Operator]bool{
	model.FieldString: {
		model.OpEquals: true, model.OpNotEquals: true, model.OpInList: true, model.OpNotInList: true,
		model.OpContains: true, model.OpNotContains: true,
	},
	model.FieldNumber: {
		model.OpEquals: true, model.OpNotEquals: true, model.OpInList: true, model.OpNotInList: true,
		model.OpGreaterThan: true, model.OpGreaterThanEqual: true, model.OpLessThan: true,
		model.OpLessThanEqual: true, model.OpBetween: true,
	},
	model.FieldBoolean: {
		model.OpEquals: true, model.OpNotEquals: true,
	},
	model.FieldDate: {
		model.OpGreaterThan: true, model.OpGreaterThanEqual: true, model.OpLessThan: true,
		model.OpLessThanEqual: true, model.OpBetween: true, model.OpInDay: true,
	},
}

var comparisons = map[model.Operator]string{
	model.OpEquals:           " = ",
	model.OpNotEquals:        " <> ",
	model.OpGreaterThan:      " > ",
	model.OpGreaterThanEqual: " >= ",
	model.OpLessThan:         " < ",
	model.OpLessThanEqual:    " <= ",
}

// Compiler turns conditions into predicates over a domain's fields.
type Compiler struct {
	Fields FieldSet
	// Location interprets date literals without an explicit offset.
	Location *time.Location
}

// Compile compiles one condition.
func (c Compiler) Compile(cond model.Condition) (sqlbuilder.Fragment, error) {
	f, err := c.Fields.Resolve(cond.Field, cond.Type)
	if err != nil {
		return sqlbuilder.Fragment{}, err
	}
	return c.Predicate(f, cond.Operator, cond.Value)
}

// CompileAll compiles every condition. Any failure fails the whole set.
func (c Compiler) CompileAll(conds []model.Condition) ([]sqlbuilder.Fragment, error) {
	out := make([]sqlbuilder.Fragment, 0, len(conds))
	for _, cond := range conds {
		p, err := c.Compile(cond)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Predicate compiles op and value against a resolved field.
func (c Compiler) Predicate(f Field, op model.Operator, value any) (sqlbuilder.Fragment, error) {
	if !allowedOperators[f.Type][op] {
		return sqlbuilder.Fragment{}, &model.InvalidOperatorForTypeError{Field: f.Name, Operator: string(op), Type: f.Type}
	}

	switch op {
	case model.OpInList, model.OpNotInList:
		items, err := asList(f, op, value)
		if err != nil {
			return sqlbuilder.Fragment{}, err
		}
		if len(items) == 0 {
			if op == model.OpInList {
				return sqlbuilder.Raw("1 = 0"), nil
			}
			return sqlbuilder.Raw("1 = 1"), nil
		}
		args := make([]sqlbuilder.Fragment, 0, len(items))
		for _, item := range items {
			v, err := c.coerce(f, item)
			if err != nil {
				return sqlbuilder.Fragment{}, err
			}
			args = append(args, sqlbuilder.Arg(v))
		}
		keyword := " IN ("
		if op == model.OpNotInList {
			keyword = " NOT IN ("
		}
		return sqlbuilder.SQL(f.Expr, keyword, sqlbuilder.Join(", ", args...), ")"), nil

	case model.OpContains, model.OpNotContains:
		if isList(value) {
			return sqlbuilder.Fragment{}, model.NewValidationError("operator %q on %q requires a single value", op, f.Name)
		}
		pattern := "%" + escapeLike(strings.ToLower(fmt.Sprint(value))) + "%"
		p := sqlbuilder.SQL("lower(", f.Expr, ") LIKE ", sqlbuilder.Arg(pattern))
		if op == model.OpNotContains {
			return sqlbuilder.SQL("NOT (", p, ")"), nil
		}
		return p, nil

	case model.OpBetween:
		items, err := asList(f, op, value)
		if err != nil {
			return sqlbuilder.Fragment{}, err
		}
		if len(items) != 2 {
			return sqlbuilder.Fragment{}, model.NewValidationError("operator %q on %q requires exactly two values", op, f.Name)
		}
		lo, err := c.coerce(f, items[0])
		if err != nil {
			return sqlbuilder.Fragment{}, err
		}
		hi, err := c.coerce(f, items[1])
		if err != nil {
			return sqlbuilder.Fragment{}, err
		}
		return sqlbuilder.SQL(f.Expr, " BETWEEN ", sqlbuilder.Arg(lo), " AND ", sqlbuilder.Arg(hi)), nil

	case model.OpInDay:
		if isList(value) {
			return sqlbuilder.Fragment{}, model.NewValidationError("operator %q on %q requires a single value", op, f.Name)
		}
		day, err := c.toTime(f, value)
		if err != nil {
			return sqlbuilder.Fragment{}, err
		}
		day = day.In(c.location())
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.location())
		end := start.AddDate(0, 0, 1)
		return sqlbuilder.SQL("(", f.Expr, " >= ", sqlbuilder.Arg(start), " AND ", f.Expr, " < ", sqlbuilder.Arg(end), ")"), nil

	default:
		if isList(value) {
			return sqlbuilder.Fragment{}, model.NewValidationError("operator %q on %q requires a single value", op, f.Name)
		}
		v, err := c.coerce(f, value)
		if err != nil {
			return sqlbuilder.Fragment{}, err
		}
		return sqlbuilder.SQL(f.Expr, comparisons[op], sqlbuilder.Arg(v)), nil
	}
}

// GroupExpr returns the grouping expression for g. Custom groups become an ordered CASE
// so that the first matching rule wins and unmatched rows fall into the other bucket.
func (c Compiler) GroupExpr(g model.GroupSpec) (sqlbuilder.Fragment, error) {
	f, err := c.Fields.Resolve(g.Value, g.Type)
	if err != nil {
		return sqlbuilder.Fragment{}, err
	}
	if len(g.CustomGroups) == 0 {
		return f.Expr, nil
	}

	whens := make([]sqlbuilder.Fragment, 0, len(g.CustomGroups))
	for _, rule := range g.CustomGroups {
		p, err := c.Predicate(f, rule.FilterOperator, rule.FilterValue)
		if err != nil {
			return sqlbuilder.Fragment{}, err
		}
		whens = append(whens, sqlbuilder.SQL("WHEN ", p, " THEN ", sqlbuilder.Arg(rule.DisplayLabel(g.Value))))
	}
	return sqlbuilder.SQL("CASE ", sqlbuilder.Join(" ", whens...), " ELSE ", sqlbuilder.Arg(model.OtherGroupLabel), " END"), nil
}

func (c Compiler) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c Compiler) coerce(f Field, v any) (any, error) {
	switch f.Type {
	case model.FieldNumber:
		return toNumber(f, v)
	case model.FieldBoolean:
		return toBool(f, v)
	case model.FieldDate:
		return c.toTime(f, v)
	default:
		if v == nil {
			return nil, model.NewValidationError("field %q requires a value", f.Name)
		}
		return fmt.Sprint(v), nil
	}
}

func toNumber(f Field, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return 0, model.NewValidationError("field %q expects a number, got %q", f.Name, n)
		}
		return d.InexactFloat64(), nil
	default:
		return 0, model.NewValidationError("field %q expects a number, got %T", f.Name, v)
	}
}

func toBool(f Field, v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, model.NewValidationError("field %q expects a boolean, got %q", f.Name, b)
		}
		return parsed, nil
	default:
		return false, model.NewValidationError("field %q expects a boolean, got %T", f.Name, v)
	}
}

var dateLayouts = []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func (c Compiler) toTime(f Field, v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case int:
		return time.UnixMilli(int64(t)).UTC(), nil
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC(), nil
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.ParseInLocation(layout, t, c.location()); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, model.NewValidationError("field %q expects a date, got %q", f.Name, t)
	default:
		return time.Time{}, model.NewValidationError("field %q expects a date, got %T", f.Name, v)
	}
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string, []float64:
		return true
	}
	return false
}

func asList(f Field, op model.Operator, v any) ([]any, error) {
	switch list := v.(type) {
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, nil
	case []float64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, nil
	default:
		return nil, model.NewValidationError("operator %q on %q requires a list value", op, f.Name)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

package sqlbuilder

import (
	"fmt"
	"strconv"

	"insights-engine/internal/model"
)

// CTE is a named common table expression.
type CTE struct {
	Name  string
	Query *Query
}

// JoinClause joins a table or subquery.
type JoinClause struct {
	Kind  string
	Table Fragment
	On    Fragment
}

// Query is a single SELECT statement.
type Query struct {
	With    []CTE
	Select  []Fragment
	From    Fragment
	Joins   []JoinClause
	Where   []Fragment
	GroupBy []Fragment
	OrderBy []Fragment
	Limit   int
}

// Ordinals returns positional references 1..n for GROUP BY.
func Ordinals(n int) []Fragment {
	out := make([]Fragment, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Raw(strconv.Itoa(i)))
	}
	return out
}

// Render renders the query for a dialect.
func (q *Query) Render(d Dialect) (string, []any, error) {
	w := &writer{dialect: d}
	if err := w.query(q); err != nil {
		return "", nil, err
	}
	return w.sb.String(), w.args, nil
}

func (w *writer) query(q *Query) error {
	if len(q.Select) == 0 {
		return fmt.Errorf("query has no select list")
	}
	if q.From.IsZero() {
		return fmt.Errorf("query has no from clause")
	}

	if len(q.With) > 0 {
		w.sb.WriteString("WITH ")
		for i, cte := range q.With {
			if i > 0 {
				w.sb.WriteString(", ")
			}
			w.sb.WriteString(w.dialect.QuoteIdent(cte.Name))
			w.sb.WriteString(" AS (")
			if err := w.query(cte.Query); err != nil {
				return fmt.Errorf("cte %s: %w", cte.Name, err)
			}
			w.sb.WriteString(") ")
		}
	}

	w.sb.WriteString("SELECT ")
	if err := w.write(Join(", ", q.Select...)); err != nil {
		return err
	}
	w.sb.WriteString(" FROM ")
	if err := w.write(q.From); err != nil {
		return err
	}
	for _, j := range q.Joins {
		kind := j.Kind
		if kind == "" {
			kind = "JOIN"
		}
		w.sb.WriteString(" " + kind + " ")
		if err := w.write(j.Table); err != nil {
			return err
		}
		if !j.On.IsZero() {
			w.sb.WriteString(" ON ")
			if err := w.write(j.On); err != nil {
				return err
			}
		}
	}
	if where := Join(" AND ", q.Where...); !where.IsZero() {
		w.sb.WriteString(" WHERE ")
		if err := w.write(where); err != nil {
			return err
		}
	}
	if len(q.GroupBy) > 0 {
		w.sb.WriteString(" GROUP BY ")
		if err := w.write(Join(", ", q.GroupBy...)); err != nil {
			return err
		}
	}
	if len(q.OrderBy) > 0 {
		w.sb.WriteString(" ORDER BY ")
		if err := w.write(Join(", ", q.OrderBy...)); err != nil {
			return err
		}
	}
	if q.Limit > 0 {
		w.sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return nil
}

// Statement is a query bound to the store that must execute it.
type Statement struct {
	Name    string
	Domain  model.InsightType
	Builder string
	Dialect Dialect
	// Target is the warehouse connection URL; empty for the built-in stores.
	Target string
	Query  *Query
}

// Render renders the statement in its own dialect.
func (s Statement) Render() (string, []any, error) {
	if s.Dialect == nil || s.Query == nil {
		return "", nil, fmt.Errorf("statement %q is incomplete", s.Name)
	}
	sql, args, err := s.Query.Render(s.Dialect)
	if err != nil {
		return "", nil, fmt.Errorf("render %s statement: %w", s.Name, err)
	}
	return sql, args, nil
}

// Compile renders the statement into its transport form.
func (s Statement) Compile() (model.CompiledStatement, error) {
	sql, args, err := s.Render()
	if err != nil {
		return model.CompiledStatement{}, err
	}
	if args == nil {
		args = []any{}
	}
	return model.CompiledStatement{Name: s.Name, Dialect: s.Dialect.Name(), SQL: sql, Args: args}, nil
}

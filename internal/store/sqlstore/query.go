package sqlstore

import (
	"fmt"
	"strings"
)

// predicate is a WHERE clause fragment. Values are always bound as
// parameters, never interpolated.
type predicate interface {
	compile(d dialect) (string, []any)
}

// equals matches column = value.
type equals struct {
	column string
	value  any
}

func (p equals) compile(dialect) (string, []any) {
	return p.column + " = ?", []any{p.value}
}

// contains matches rows whose column contains value as a substring.
type contains struct {
	column string
	value  string
}

func (p contains) compile(d dialect) (string, []any) {
	return fmt.Sprintf("%s(%s, ?) > 0", d.substringFn, p.column), []any{p.value}
}

// and is the conjunction of its predicates. An empty and matches everything.
type and []predicate

func (p and) compile(d dialect) (string, []any) {
	if len(p) == 0 {
		return "1 = 1", nil
	}
	parts := make([]string, 0, len(p))
	var params []any
	for _, pred := range p {
		sql, args := pred.compile(d)
		parts = append(parts, sql)
		params = append(params, args...)
	}
	return strings.Join(parts, " AND "), params
}

// selectQuery is a single-table SELECT. orderBy must be set: every
// multi-row query in this package has a deterministic order.
type selectQuery struct {
	columns string
	from    string
	where   and
	orderBy string
	limit   int
}

func (q selectQuery) compile(d dialect) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", q.columns, q.from)

	var params []any
	if len(q.where) > 0 {
		where, args := q.where.compile(d)
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = args
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(q.orderBy)

	if q.limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.limit)
	}
	return d.rebind(b.String()), params
}

// countQuery is SELECT COUNT(*) with an optional filter.
func countQuery(d dialect, table string, where and) (string, []any) {
	sql := "SELECT COUNT(*) FROM " + table
	var params []any
	if len(where) > 0 {
		clause, args := where.compile(d)
		sql += " WHERE " + clause
		params = args
	}
	return d.rebind(sql), params
}

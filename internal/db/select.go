package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"transit-cache/internal/nextbus"
)

var (
	ErrUnknownColumn = errors.New("unknown column")
	ErrBadFilter     = errors.New("unsupported filter")
)

// Column names exposed to callers, mapped to their SQL expressions.
type column struct {
	name string
	expr string
}

var (
	agencyColumns = []column{
		{"_id", "a.id"}, {"tag", "a.tag"}, {"title", "a.title"}, {"short_title", "a.short_title"},
		{"region_title", "a.region_title"}, {"copyright", "a.copyright"}, {"timestamp", "a.fetched_at"},
	}
	routeColumns = []column{
		{"_id", "r.id"}, {"tag", "r.tag"}, {"title", "r.title"}, {"short_title", "r.short_title"},
	}
	directionColumns = []column{
		{"_id", "d.id"}, {"tag", "d.tag"}, {"title", "d.title"}, {"name", "d.name"},
	}
	stopColumns = []column{
		{"_id", "s.id"}, {"tag", "s.tag"}, {"title", "s.title"}, {"short_title", "s.short_title"},
	}
	savedStopColumns = []column{
		{"_id", "ss.id"},
		{"agency_tag", "a.tag"}, {"agency_title", "a.title"},
		{"stop_tag", "s.tag"}, {"stop_title", "s.title"},
		{"route_tag", "r.tag"}, {"route_title", "r.title"}, {"route_short_title", "r.short_title"},
		{"direction_tag", "d.tag"}, {"direction_title", "d.title"}, {"direction_name", "d.name"},
	}
)

func levelColumns(level nextbus.Level) []column {
	switch level {
	case nextbus.LevelAgency:
		return agencyColumns
	case nextbus.LevelRoute:
		return routeColumns
	case nextbus.LevelDirection:
		return directionColumns
	default:
		return stopColumns
	}
}

// LevelColumns lists the caller-visible columns of level in declaration order.
func LevelColumns(level nextbus.Level) []string { return columnNames(levelColumns(level)) }

// SavedStopColumns lists the columns of the flattened saved-stop rows.
func SavedStopColumns() []string { return columnNames(savedStopColumns) }

func columnNames(cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.name
	}
	return out
}

// Predicate is a single comparison filter, e.g. {"title", "LIKE", "Queen%"}.
type Predicate struct {
	Column string
	Op     string
	Value  string
}

// ParsePredicate reads a filter written as column:op:value. The value may
// itself contain colons.
func ParsePredicate(s string) (*Predicate, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: want column:op:value, got %q", ErrBadFilter, s)
	}
	return &Predicate{Column: parts[0], Op: parts[1], Value: parts[2]}, nil
}

var filterOps = map[string]string{
	"=": "=", "==": "=", "eq": "=",
	"!=": "<>", "<>": "<>", "ne": "<>",
	"<": "<", "lt": "<",
	"<=": "<=", "le": "<=",
	">": ">", "gt": ">",
	">=": ">=", "ge": ">=",
	"like": "LIKE",
}

// Selection is the caller-requested shape of a result: projection, one
// filter, one sort key. Zero values select every column in ID order.
type Selection struct {
	Columns []string
	Filter  *Predicate
	Sort    string
	Desc    bool
}

// ResultSet is a tabular, cursor-like result.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Len returns the number of rows.
func (r *ResultSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Value returns the cell at row i for column name, or nil.
func (r *ResultSet) Value(i int, name string) any {
	if r == nil || i < 0 || i >= len(r.Rows) {
		return nil
	}
	for j, c := range r.Columns {
		if c == name {
			return r.Rows[i][j]
		}
	}
	return nil
}

// Select reads the rows of level inside sc, shaped by sel.
func (s *Store) Select(ctx context.Context, level nextbus.Level, sc nextbus.Scope, sel Selection) (*ResultSet, error) {
	return s.selectFrom(ctx, levelColumns(level), scopeFor(level, sc), sel)
}

func (s *Store) selectFrom(ctx context.Context, cols []column, base scoped, sel Selection) (*ResultSet, error) {
	stmt, args, names, err := buildSelect(cols, base, sel)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, s.rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	rs := &ResultSet{Columns: names, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return rs, nil
}

func buildSelect(cols []column, base scoped, sel Selection) (string, []any, []string, error) {
	byName := make(map[string]string, len(cols))
	for _, c := range cols {
		byName[c.name] = c.expr
	}

	names := sel.Columns
	if len(names) == 0 {
		names = columnNames(cols)
	}
	exprs := make([]string, len(names))
	for i, n := range names {
		e, ok := byName[n]
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: %q", ErrUnknownColumn, n)
		}
		exprs[i] = e
	}

	where := append([]string(nil), base.where...)
	args := append([]any(nil), base.args...)
	if f := sel.Filter; f != nil {
		e, ok := byName[f.Column]
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: %q", ErrUnknownColumn, f.Column)
		}
		op, ok := filterOps[strings.ToLower(strings.TrimSpace(f.Op))]
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: operator %q", ErrBadFilter, f.Op)
		}
		where = append(where, e+" "+op+" ?")
		args = append(args, f.Value)
	}

	key := cols[0].expr
	switch {
	case sel.Sort != "":
		e, ok := byName[sel.Sort]
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: %q", ErrUnknownColumn, sel.Sort)
		}
		key = e
	case base.order != "":
		key = base.order
		args = append(args, base.orderArgs...)
	}
	order := key
	if sel.Desc {
		order += " DESC"
	}
	if key != cols[0].expr {
		order += ", " + cols[0].expr // ties fall back to insertion order
	}

	q := scoped{where: where}
	stmt := "SELECT " + strings.Join(exprs, ", ") + " FROM " + base.from + q.whereSQL() + " ORDER BY " + order
	return stmt, args, names, nil
}

package db

import (
	"context"
	"fmt"
	"strings"

	"transit-cache/internal/nextbus"
)

// scoped is the FROM/WHERE part of a query for one hierarchy level. It is
// built fresh from a Scope value for every statement and never mutated after.
type scoped struct {
	from  string
	where []string
	args  []any
	// order is the default sort key when the caller names none.
	order     string
	orderArgs []any
}

func (q scoped) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// scopeFor chains equality filters through the parent joins of level.
// Empty tags in sc are left unconstrained.
func scopeFor(level nextbus.Level, sc nextbus.Scope) scoped {
	var q scoped
	eq := func(expr, v string) {
		if v == "" {
			return
		}
		q.where = append(q.where, expr+" = ?")
		q.args = append(q.args, v)
	}

	switch level {
	case nextbus.LevelAgency:
		q.from = "agencies a"
		eq("a.tag", sc.Agency)
	case nextbus.LevelRoute:
		q.from = "routes r JOIN agencies a ON a.id = r.agency_id"
		eq("a.tag", sc.Agency)
		eq("r.tag", sc.Route)
	case nextbus.LevelDirection:
		q.from = "directions d JOIN routes r ON r.id = d.route_id JOIN agencies a ON a.id = r.agency_id"
		eq("a.tag", sc.Agency)
		eq("r.tag", sc.Route)
		eq("d.tag", sc.Direction)
	case nextbus.LevelStop:
		q.from = "stops s JOIN agencies a ON a.id = s.agency_id"
		eq("a.tag", sc.Agency)
		if sc.Route != "" || sc.Direction != "" {
			// Stops reach routes only through direction links; a subquery keeps
			// stops shared by several directions from appearing twice.
			sub := scoped{}
			sub.where = append(sub.where, "r.agency_id = s.agency_id")
			if sc.Route != "" {
				sub.where = append(sub.where, "r.tag = ?")
				sub.args = append(sub.args, sc.Route)
			}
			if sc.Direction != "" {
				sub.where = append(sub.where, "d.tag = ?")
				sub.args = append(sub.args, sc.Direction)
			}
			links := " FROM direction_stops ds" +
				" JOIN directions d ON d.id = ds.direction_id" +
				" JOIN routes r ON r.id = d.route_id"
			q.where = append(q.where, "s.id IN (SELECT ds.stop_id"+links+sub.whereSQL()+")")
			q.args = append(q.args, sub.args...)

			// Links are written in route configuration order, so the first
			// link of each stop puts it where the feed lists it.
			first := scoped{where: append([]string{"ds.stop_id = s.id"}, sub.where...)}
			q.order = "(SELECT MIN(ds.id)" + links + first.whereSQL() + ")"
			q.orderArgs = append([]any(nil), sub.args...)
		}
		eq("s.tag", sc.Stop)
	}
	return q
}

// Count returns the number of rows of level inside sc.
func (s *Store) Count(ctx context.Context, level nextbus.Level, sc nextbus.Scope) (int, error) {
	return s.count(ctx, s.conn, level, sc)
}

func (s *Store) count(ctx context.Context, qr querier, level nextbus.Level, sc nextbus.Scope) (int, error) {
	q := scopeFor(level, sc)
	var n int
	stmt := s.rebind("SELECT COUNT(*) FROM " + q.from + q.whereSQL())
	if err := qr.QueryRowContext(ctx, stmt, q.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s %s: %w", level, sc.Key(level), err)
	}
	return n, nil
}

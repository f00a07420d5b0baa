package db

import (
	"context"
	"fmt"

	"transit-cache/internal/nextbus"
)

// insertIfAbsent runs an INSERT ... ON CONFLICT DO NOTHING and then resolves
// the row ID through its natural key. created reports whether a row was added.
func (s *Store) insertIfAbsent(ctx context.Context, qr querier, insert string, args []any, lookup string, keys []any) (id int64, created bool, err error) {
	res, err := qr.ExecContext(ctx, s.rebind(insert), args...)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if err := qr.QueryRowContext(ctx, s.rebind(lookup), keys...).Scan(&id); err != nil {
		return 0, false, err
	}
	return id, n > 0, nil
}

// CreateAgency inserts a if no agency with the same tag exists and sets a.ID.
// An existing row is never updated.
func (t *Tx) CreateAgency(ctx context.Context, a *nextbus.Agency) (bool, error) {
	id, created, err := t.s.insertIfAbsent(ctx, t.tx,
		`INSERT INTO agencies (tag, title, short_title, region_title, copyright, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (tag) DO NOTHING`,
		[]any{a.Tag, a.Title, a.ShortTitle, a.RegionTitle, a.Copyright, formatTime(a.Timestamp)},
		`SELECT id FROM agencies WHERE tag = ?`, []any{a.Tag})
	if err != nil {
		return false, fmt.Errorf("create agency %s: %w", a.Tag, err)
	}
	a.ID = id
	return created, nil
}

// CreateRoute inserts r under r.AgencyID unless the agency already has a route
// with the same tag, and sets r.ID.
func (t *Tx) CreateRoute(ctx context.Context, r *nextbus.Route) (bool, error) {
	id, created, err := t.s.insertIfAbsent(ctx, t.tx,
		`INSERT INTO routes (agency_id, tag, title, short_title)
		 VALUES (?, ?, ?, ?) ON CONFLICT (agency_id, tag) DO NOTHING`,
		[]any{r.AgencyID, r.Tag, r.Title, r.ShortTitle},
		`SELECT id FROM routes WHERE agency_id = ? AND tag = ?`, []any{r.AgencyID, r.Tag})
	if err != nil {
		return false, fmt.Errorf("create route %s: %w", r.Tag, err)
	}
	r.ID = id
	return created, nil
}

// CreateDirection inserts d under d.RouteID unless the route already has a
// direction with the same tag, and sets d.ID.
func (t *Tx) CreateDirection(ctx context.Context, d *nextbus.Direction) (bool, error) {
	id, created, err := t.s.insertIfAbsent(ctx, t.tx,
		`INSERT INTO directions (route_id, tag, title, name)
		 VALUES (?, ?, ?, ?) ON CONFLICT (route_id, tag) DO NOTHING`,
		[]any{d.RouteID, d.Tag, d.Title, d.Name},
		`SELECT id FROM directions WHERE route_id = ? AND tag = ?`, []any{d.RouteID, d.Tag})
	if err != nil {
		return false, fmt.Errorf("create direction %s: %w", d.Tag, err)
	}
	d.ID = id
	return created, nil
}

// CreateStop inserts st under st.AgencyID unless the agency already has a
// stop with the same tag, and sets st.ID. Stops are shared between directions.
func (t *Tx) CreateStop(ctx context.Context, st *nextbus.Stop) (bool, error) {
	id, created, err := t.s.insertIfAbsent(ctx, t.tx,
		`INSERT INTO stops (agency_id, tag, title, short_title)
		 VALUES (?, ?, ?, ?) ON CONFLICT (agency_id, tag) DO NOTHING`,
		[]any{st.AgencyID, st.Tag, st.Title, st.ShortTitle},
		`SELECT id FROM stops WHERE agency_id = ? AND tag = ?`, []any{st.AgencyID, st.Tag})
	if err != nil {
		return false, fmt.Errorf("create stop %s: %w", st.Tag, err)
	}
	st.ID = id
	return created, nil
}

// LinkDirectionStop records that directionID serves stopID.
func (t *Tx) LinkDirectionStop(ctx context.Context, directionID, stopID int64) (bool, error) {
	_, created, err := t.s.insertIfAbsent(ctx, t.tx,
		`INSERT INTO direction_stops (direction_id, stop_id) VALUES (?, ?)
		 ON CONFLICT (direction_id, stop_id) DO NOTHING`,
		[]any{directionID, stopID},
		`SELECT id FROM direction_stops WHERE direction_id = ? AND stop_id = ?`, []any{directionID, stopID})
	if err != nil {
		return false, fmt.Errorf("link direction %d stop %d: %w", directionID, stopID, err)
	}
	return created, nil
}

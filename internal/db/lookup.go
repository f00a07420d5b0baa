package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"transit-cache/internal/nextbus"
)

// Agency returns the cached agency with tag, or nil if it is not cached.
func (s *Store) Agency(ctx context.Context, tag string) (*nextbus.Agency, error) {
	q := scopeFor(nextbus.LevelAgency, nextbus.Scope{Agency: tag})
	var a nextbus.Agency
	var fetchedAt string
	err := s.conn.QueryRowContext(ctx, s.rebind(
		"SELECT a.id, a.tag, a.title, a.short_title, a.region_title, a.copyright, a.fetched_at FROM "+
			q.from+q.whereSQL()+" LIMIT 1"), q.args...).
		Scan(&a.ID, &a.Tag, &a.Title, &a.ShortTitle, &a.RegionTitle, &a.Copyright, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup agency %s: %w", tag, err)
	}
	a.Timestamp = parseTime(fetchedAt)
	return &a, nil
}

// Route returns the cached route routeTag of agencyTag, or nil.
func (s *Store) Route(ctx context.Context, agencyTag, routeTag string) (*nextbus.Route, error) {
	q := scopeFor(nextbus.LevelRoute, nextbus.Scope{Agency: agencyTag, Route: routeTag})
	var r nextbus.Route
	err := s.conn.QueryRowContext(ctx, s.rebind(
		"SELECT r.id, r.agency_id, r.tag, r.title, r.short_title FROM "+q.from+q.whereSQL()+" LIMIT 1"), q.args...).
		Scan(&r.ID, &r.AgencyID, &r.Tag, &r.Title, &r.ShortTitle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup route %s/%s: %w", agencyTag, routeTag, err)
	}
	return &r, nil
}

// Direction returns the cached direction addressed by sc, or nil.
func (s *Store) Direction(ctx context.Context, sc nextbus.Scope) (*nextbus.Direction, error) {
	q := scopeFor(nextbus.LevelDirection, sc)
	var d nextbus.Direction
	err := s.conn.QueryRowContext(ctx, s.rebind(
		"SELECT d.id, d.route_id, d.tag, d.title, d.name FROM "+q.from+q.whereSQL()+" LIMIT 1"), q.args...).
		Scan(&d.ID, &d.RouteID, &d.Tag, &d.Title, &d.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup direction %s: %w", sc.Key(nextbus.LevelDirection), err)
	}
	return &d, nil
}

// Stop returns the cached stop addressed by sc, or nil. When sc names a
// route or direction the stop must be linked to it.
func (s *Store) Stop(ctx context.Context, sc nextbus.Scope) (*nextbus.Stop, error) {
	q := scopeFor(nextbus.LevelStop, sc)
	var st nextbus.Stop
	err := s.conn.QueryRowContext(ctx, s.rebind(
		"SELECT s.id, s.agency_id, s.tag, s.title, s.short_title FROM "+q.from+q.whereSQL()+" LIMIT 1"), q.args...).
		Scan(&st.ID, &st.AgencyID, &st.Tag, &st.Title, &st.ShortTitle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup stop %s: %w", sc.Key(nextbus.LevelStop), err)
	}
	return &st, nil
}

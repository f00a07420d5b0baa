package db

import (
	"context"
	"fmt"
	"time"

	"transit-cache/internal/nextbus"
)

const savedStopsFrom = "saved_stops ss" +
	" JOIN stops s ON s.id = ss.stop_id" +
	" JOIN agencies a ON a.id = s.agency_id" +
	" JOIN directions d ON d.id = ss.direction_id" +
	" JOIN routes r ON r.id = d.route_id"

// SaveStop bookmarks stopID on directionID. Saving the same pair twice keeps
// a single row; created reports whether a row was added.
func (s *Store) SaveStop(ctx context.Context, stopID, directionID int64) (ss nextbus.SavedStop, created bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	id, created, err := s.insertIfAbsent(ctx, s.conn,
		`INSERT INTO saved_stops (stop_id, direction_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (stop_id, direction_id) DO NOTHING`,
		[]any{stopID, directionID, formatTime(now)},
		`SELECT id FROM saved_stops WHERE stop_id = ? AND direction_id = ?`, []any{stopID, directionID})
	if err != nil {
		return nextbus.SavedStop{}, false, fmt.Errorf("save stop %d direction %d: %w", stopID, directionID, err)
	}
	return nextbus.SavedStop{ID: id, StopID: stopID, DirectionID: directionID, CreatedAt: now}, created, nil
}

// DeleteSavedStop removes the bookmark of stopID on directionID if present.
func (s *Store) DeleteSavedStop(ctx context.Context, stopID, directionID int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx, s.rebind(
		`DELETE FROM saved_stops WHERE stop_id = ? AND direction_id = ?`), stopID, directionID)
	if err != nil {
		return false, fmt.Errorf("delete saved stop %d direction %d: %w", stopID, directionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SelectSavedStops returns every bookmark flattened with its agency, route,
// direction and stop attributes, shaped by sel.
func (s *Store) SelectSavedStops(ctx context.Context, sel Selection) (*ResultSet, error) {
	return s.selectFrom(ctx, savedStopColumns, scoped{from: savedStopsFrom}, sel)
}

// SavedStopKeys lists the tags of every bookmark in creation order.
func (s *Store) SavedStopKeys(ctx context.Context) ([]nextbus.SavedStopKey, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT a.tag, r.tag, d.tag, s.tag FROM "+savedStopsFrom+" ORDER BY ss.id")
	if err != nil {
		return nil, fmt.Errorf("query saved stops: %w", err)
	}
	defer rows.Close()
	var out []nextbus.SavedStopKey
	for rows.Next() {
		var k nextbus.SavedStopKey
		if err := rows.Scan(&k.AgencyTag, &k.RouteTag, &k.DirectionTag, &k.StopTag); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

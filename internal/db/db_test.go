package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-cache/internal/nextbus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

// seedRoute caches agency ttc, route 506, directions east and west and three
// stops, with stop 1000 served by both directions.
func seedRoute(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *Tx) error {
		a := nextbus.Agency{Tag: "ttc", Title: "Toronto Transit Commission"}
		if _, err := tx.CreateAgency(ctx, &a); err != nil {
			return err
		}
		r := nextbus.Route{AgencyID: a.ID, Tag: "506", Title: "506-Carlton"}
		if _, err := tx.CreateRoute(ctx, &r); err != nil {
			return err
		}
		dirs := map[string][]string{"east": {"5292", "1000"}, "west": {"1000", "5293"}}
		for _, tag := range []string{"east", "west"} {
			d := nextbus.Direction{RouteID: r.ID, Tag: tag, Name: tag}
			if _, err := tx.CreateDirection(ctx, &d); err != nil {
				return err
			}
			for _, st := range dirs[tag] {
				stop := nextbus.Stop{AgencyID: a.ID, Tag: st, Title: "Stop " + st}
				if _, err := tx.CreateStop(ctx, &stop); err != nil {
					return err
				}
				if _, err := tx.LinkDirectionStop(ctx, d.ID, stop.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		in      string
		dialect Dialect
		out     string
		wantErr bool
	}{
		{in: "postgres://u:p@localhost:5432/transit?sslmode=disable", dialect: Postgres, out: "postgres://u:p@localhost:5432/transit?sslmode=disable"},
		{in: "postgresql://localhost/transit", dialect: Postgres, out: "postgresql://localhost/transit"},
		{in: "postgres://localhost:5432", wantErr: true},
		{in: "", wantErr: true},
		{in: ":memory:", dialect: SQLite, out: ":memory:"},
		{in: "sqlite://data/transit.db", dialect: SQLite, out: "data/transit.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{in: "cache.db?_pragma=foreign_keys(1)", dialect: SQLite, out: "cache.db?_pragma=foreign_keys(1)"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			d, out, err := ParseDSN(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.dialect, d)
			assert.Equal(t, tc.out, out)
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	lite := &Store{dialect: SQLite}
	q := "SELECT id FROM routes WHERE agency_id = ? AND tag = ?"

	assert.Equal(t, "SELECT id FROM routes WHERE agency_id = $1 AND tag = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestCreateIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var first, second nextbus.Agency
	for i, a := range []*nextbus.Agency{&first, &second} {
		a.Tag = "ttc"
		a.Title = []string{"Toronto Transit Commission", "renamed"}[i]
		err := s.WithTx(ctx, func(tx *Tx) error {
			created, err := tx.CreateAgency(ctx, a)
			assert.Equal(t, i == 0, created)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, first.ID, second.ID)

	got, err := s.Agency(ctx, "ttc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Toronto Transit Commission", got.Title, "existing rows are never updated")

	n, err := s.Count(ctx, nextbus.LevelAgency, nextbus.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		a := nextbus.Agency{Tag: "ttc"}
		if _, err := tx.CreateAgency(ctx, &a); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.Count(ctx, nextbus.LevelAgency, nextbus.Scope{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	seedRoute(t, s)
	ctx := context.Background()

	tests := []struct {
		name  string
		level nextbus.Level
		sc    nextbus.Scope
		want  int
	}{
		{"all agencies", nextbus.LevelAgency, nextbus.Scope{}, 1},
		{"agency by tag", nextbus.LevelAgency, nextbus.Scope{Agency: "ttc"}, 1},
		{"missing agency", nextbus.LevelAgency, nextbus.Scope{Agency: "muni"}, 0},
		{"routes of agency", nextbus.LevelRoute, nextbus.Scope{Agency: "ttc"}, 1},
		{"routes of other agency", nextbus.LevelRoute, nextbus.Scope{Agency: "muni"}, 0},
		{"directions of route", nextbus.LevelDirection, nextbus.Scope{Agency: "ttc", Route: "506"}, 2},
		{"direction by tag", nextbus.LevelDirection, nextbus.Scope{Agency: "ttc", Route: "506", Direction: "west"}, 1},
		{"stops of route", nextbus.LevelStop, nextbus.Scope{Agency: "ttc", Route: "506"}, 3},
		{"stops of direction", nextbus.LevelStop, nextbus.Scope{Agency: "ttc", Route: "506", Direction: "east"}, 2},
		{"shared stop on direction", nextbus.LevelStop, nextbus.Scope{Agency: "ttc", Route: "506", Direction: "west", Stop: "1000"}, 1},
		{"stop off direction", nextbus.LevelStop, nextbus.Scope{Agency: "ttc", Route: "506", Direction: "west", Stop: "5292"}, 0},
		{"stops of missing route", nextbus.LevelStop, nextbus.Scope{Agency: "ttc", Route: "501"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, err := s.Count(ctx, tc.level, tc.sc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestLookups(t *testing.T) {
	s := openTestStore(t)
	seedRoute(t, s)
	ctx := context.Background()

	r, err := s.Route(ctx, "ttc", "506")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "506-Carlton", r.Title)

	r, err = s.Route(ctx, "ttc", "501")
	require.NoError(t, err)
	assert.Nil(t, r)

	d, err := s.Direction(ctx, nextbus.Scope{Agency: "ttc", Route: "506", Direction: "east"})
	require.NoError(t, err)
	require.NotNil(t, d)

	st, err := s.Stop(ctx, nextbus.Scope{Agency: "ttc", Route: "506", Direction: "east", Stop: "5292"})
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "Stop 5292", st.Title)

	st, err = s.Stop(ctx, nextbus.Scope{Agency: "ttc", Route: "506", Direction: "east", Stop: "5293"})
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestSelect(t *testing.T) {
	s := openTestStore(t)
	seedRoute(t, s)
	ctx := context.Background()
	route := nextbus.Scope{Agency: "ttc", Route: "506"}

	rs, err := s.Select(ctx, nextbus.LevelStop, route, Selection{Columns: []string{"tag"}, Sort: "tag", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"tag"}, rs.Columns)
	assert.Equal(t, [][]any{{"5293"}, {"5292"}, {"1000"}}, rs.Rows)

	rs, err = s.Select(ctx, nextbus.LevelStop, route, Selection{
		Columns: []string{"tag", "title"},
		Filter:  &Predicate{Column: "tag", Op: "gt", Value: "2000"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())
	assert.Equal(t, "Stop 5292", rs.Value(0, "title"))
	assert.Nil(t, rs.Value(0, "missing"))
	assert.Nil(t, rs.Value(5, "tag"))

	rs, err = s.Select(ctx, nextbus.LevelDirection, nextbus.Scope{Agency: "ttc", Route: "501"}, Selection{})
	require.NoError(t, err)
	assert.Equal(t, LevelColumns(nextbus.LevelDirection), rs.Columns)
	assert.NotNil(t, rs.Rows)
	assert.Zero(t, rs.Len())

	_, err = s.Select(ctx, nextbus.LevelRoute, route, Selection{Sort: "agency_id"})
	assert.ErrorIs(t, err, ErrUnknownColumn)
	_, err = s.Select(ctx, nextbus.LevelRoute, route, Selection{Filter: &Predicate{Column: "tag", Op: "regexp", Value: "5.*"}})
	assert.ErrorIs(t, err, ErrBadFilter)
}

func TestSavedStops(t *testing.T) {
	s := openTestStore(t)
	seedRoute(t, s)
	ctx := context.Background()

	sc := nextbus.Scope{Agency: "ttc", Route: "506", Direction: "west", Stop: "1000"}
	d, err := s.Direction(ctx, sc)
	require.NoError(t, err)
	st, err := s.Stop(ctx, sc)
	require.NoError(t, err)

	saved, created, err := s.SaveStop(ctx, st.ID, d.ID)
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := s.SaveStop(ctx, st.ID, d.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, saved.ID, again.ID)

	keys, err := s.SavedStopKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []nextbus.SavedStopKey{{AgencyTag: "ttc", RouteTag: "506", DirectionTag: "west", StopTag: "1000"}}, keys)

	rs, err := s.SelectSavedStops(ctx, Selection{})
	require.NoError(t, err)
	assert.Equal(t, SavedStopColumns(), rs.Columns)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "506-Carlton", rs.Value(0, "route_title"))
	assert.Equal(t, "Stop 1000", rs.Value(0, "stop_title"))

	removed, err := s.DeleteSavedStop(ctx, st.ID, d.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DeleteSavedStop(ctx, st.ID, d.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestParsePredicate(t *testing.T) {
	tests := []struct {
		in   string
		want *Predicate
	}{
		{"tag:=:506", &Predicate{Column: "tag", Op: "=", Value: "506"}},
		{"title:like:King: East%", &Predicate{Column: "title", Op: "like", Value: "King: East%"}},
		{"tag:!=:", &Predicate{Column: "tag", Op: "!=", Value: ""}},
		{"tag", nil},
		{"tag:=", nil},
		{":=:506", nil},
		{"tag::506", nil},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePredicate(tc.in)
			if tc.want == nil {
				assert.ErrorIs(t, err, ErrBadFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSelectStopsInRouteOrder(t *testing.T) {
	s := openTestStore(t)
	seedRoute(t, s)
	ctx := context.Background()

	r, err := s.Route(ctx, "ttc", "506")
	require.NoError(t, err)

	// a loop direction visiting the existing stops against their id order
	err = s.WithTx(ctx, func(tx *Tx) error {
		d := nextbus.Direction{RouteID: r.ID, Tag: "loop", Name: "loop"}
		if _, err := tx.CreateDirection(ctx, &d); err != nil {
			return err
		}
		for _, tag := range []string{"5293", "5292", "1000"} {
			st := nextbus.Stop{AgencyID: r.AgencyID, Tag: tag}
			if _, err := tx.CreateStop(ctx, &st); err != nil {
				return err
			}
			if _, err := tx.LinkDirectionStop(ctx, d.ID, st.ID); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		sc   nextbus.Scope
		sel  Selection
		want [][]any
	}{
		{"direction", nextbus.Scope{Agency: "ttc", Route: "506", Direction: "loop"}, Selection{}, [][]any{{"5293"}, {"5292"}, {"1000"}}},
		{"direction reversed", nextbus.Scope{Agency: "ttc", Route: "506", Direction: "loop"}, Selection{Desc: true}, [][]any{{"1000"}, {"5292"}, {"5293"}}},
		{"direction filtered", nextbus.Scope{Agency: "ttc", Route: "506", Direction: "loop"}, Selection{Filter: &Predicate{Column: "tag", Op: "!=", Value: "5292"}}, [][]any{{"5293"}, {"1000"}}},
		{"route keeps first appearance", nextbus.Scope{Agency: "ttc", Route: "506"}, Selection{}, [][]any{{"5292"}, {"1000"}, {"5293"}}},
		{"explicit sort wins", nextbus.Scope{Agency: "ttc", Route: "506", Direction: "loop"}, Selection{Sort: "tag"}, [][]any{{"1000"}, {"5292"}, {"5293"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.sel.Columns = []string{"tag"}
			rs, err := s.Select(ctx, nextbus.LevelStop, tc.sc, tc.sel)
			require.NoError(t, err)
			assert.Equal(t, tc.want, rs.Rows)
		})
	}
}

package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"transit-cache/internal/db"
	"transit-cache/internal/nextbus"
	"transit-cache/internal/router"
)

var predictionColumns = []string{
	"direction_tag", "direction_title", "epoch_time", "seconds", "minutes", "is_departure", "vehicle", "trip_tag",
}

func (p *Provider) predictions(ctx context.Context, addr router.Address, sel db.Selection) (*db.ResultSet, error) {
	if p.preds == nil {
		return nil, fmt.Errorf("predictions: %w", ErrNotSupported)
	}
	sc := addr.Scope()
	if err := p.res.Ensure(ctx, nextbus.LevelStop, sc); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	var rows [][]any
	stop, err := p.store.Stop(ctx, sc)
	if err != nil {
		return nil, err
	}
	if stop != nil {
		groups, err := p.preds.Predictions(ctx, sc.Agency, []nextbus.StopRef{{RouteTag: sc.Route, StopTag: sc.Stop}})
		if err != nil {
			return nil, fmt.Errorf("predictions for %s: %w", addr, err)
		}
		for _, g := range groups {
			for _, pr := range g.ForDirection(sc.Direction) {
				rows = append(rows, []any{
					pr.DirectionTag, pr.DirectionTitle, pr.EpochTime.UnixMilli(),
					int64(pr.Seconds), int64(pr.Minutes), pr.IsDeparture, pr.Vehicle, pr.TripTag,
				})
			}
		}
	}
	if sel.Sort == "" {
		sel.Sort = "epoch_time"
	}
	return project(predictionColumns, rows, sel)
}

// project applies sel to rows held in memory. Only equality filters are
// supported here.
func project(cols []string, rows [][]any, sel db.Selection) (*db.ResultSet, error) {
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[c] = i
	}
	lookup := func(name string) (int, error) {
		i, ok := index[name]
		if !ok {
			return 0, fmt.Errorf("%w: %q", db.ErrUnknownColumn, name)
		}
		return i, nil
	}

	if f := sel.Filter; f != nil {
		i, err := lookup(f.Column)
		if err != nil {
			return nil, err
		}
		var keep func(v any) bool
		switch strings.ToLower(strings.TrimSpace(f.Op)) {
		case "=", "==", "eq":
			keep = func(v any) bool { return fmt.Sprint(v) == f.Value }
		case "!=", "<>", "ne":
			keep = func(v any) bool { return fmt.Sprint(v) != f.Value }
		default:
			return nil, fmt.Errorf("%w: operator %q", db.ErrBadFilter, f.Op)
		}
		kept := rows[:0:0]
		for _, r := range rows {
			if keep(r[i]) {
				kept = append(kept, r)
			}
		}
		rows = kept
	}

	if sel.Sort != "" {
		i, err := lookup(sel.Sort)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(rows, func(a, b int) bool {
			if sel.Desc {
				return less(rows[b][i], rows[a][i])
			}
			return less(rows[a][i], rows[b][i])
		})
	}

	names := sel.Columns
	if len(names) == 0 {
		names = cols
	}
	idx := make([]int, len(names))
	for j, n := range names {
		i, err := lookup(n)
		if err != nil {
			return nil, err
		}
		idx[j] = i
	}
	rs := &db.ResultSet{Columns: append([]string(nil), names...), Rows: make([][]any, 0, len(rows))}
	for _, r := range rows {
		out := make([]any, len(idx))
		for j, i := range idx {
			out[j] = r[i]
		}
		rs.Rows = append(rs.Rows, out)
	}
	return rs, nil
}

func less(a, b any) bool {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return x < y
		}
	case string:
		if y, ok := b.(string); ok {
			return x < y
		}
	case bool:
		if y, ok := b.(bool); ok {
			return !x && y
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

// Package provider answers reads and writes against resource addresses,
// filling the local store through the resolver before every read.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"

	"transit-cache/internal/db"
	"transit-cache/internal/nextbus"
	"transit-cache/internal/resolver"
	"transit-cache/internal/router"
)

var (
	// ErrNotSupported is returned for writes to any address but saved-stops.
	ErrNotSupported = errors.New("operation not supported for address")
	// ErrNotFound is returned when a bookmark names a stop the feed does not
	// serve on the given direction.
	ErrNotFound = errors.New("stop not found")
)

// PredictionSource serves live arrival predictions. They are never cached.
type PredictionSource interface {
	Predictions(ctx context.Context, agencyTag string, stops []nextbus.StopRef) ([]nextbus.PredictionGroup, error)
}

type Provider struct {
	store  *db.Store
	res    *resolver.Resolver
	preds  PredictionSource
	notify resolver.Notifier
}

// New wires a Provider. preds and notify may be nil.
func New(store *db.Store, res *resolver.Resolver, preds PredictionSource, notify resolver.Notifier) *Provider {
	return &Provider{store: store, res: res, preds: preds, notify: notify}
}

// Query reads the rows at path shaped by sel. Unknown addresses yield a nil
// result and no error.
func (p *Provider) Query(ctx context.Context, path string, sel db.Selection) (*db.ResultSet, error) {
	addr := router.Match(path)
	switch addr.Kind {
	case router.KindNone:
		log.Printf("no match for address %q", path)
		return nil, nil
	case router.KindSavedStops:
		return p.store.SelectSavedStops(ctx, sel)
	case router.KindPredictions:
		return p.predictions(ctx, addr, sel)
	}

	level, _ := addr.Level()
	sc := addr.Scope()
	if err := p.res.Ensure(ctx, level, sc); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	return p.store.Select(ctx, level, sc, sel)
}

// Insert bookmarks the stop named by key. Only the saved-stops address
// accepts writes. It returns the address of the bookmarked stop.
func (p *Provider) Insert(ctx context.Context, path string, key nextbus.SavedStopKey) (string, error) {
	if router.Match(path).Kind != router.KindSavedStops {
		return "", fmt.Errorf("insert %q: %w", path, ErrNotSupported)
	}
	sc := key.Scope()
	if !complete(sc) {
		return "", fmt.Errorf("%s: %w", sc.Key(nextbus.LevelStop), ErrNotFound)
	}
	if err := p.res.Ensure(ctx, nextbus.LevelStop, sc); err != nil {
		return "", fmt.Errorf("resolve stop %s: %w", sc.Key(nextbus.LevelStop), err)
	}
	dir, stop, err := p.lookupStop(ctx, sc)
	if err != nil {
		return "", err
	}
	saved, created, err := p.store.SaveStop(ctx, stop.ID, dir.ID)
	if err != nil {
		return "", err
	}
	if created {
		log.Printf("saved stop id=%d %s", saved.ID, sc.Key(nextbus.LevelStop))
		p.changed(router.SavedStops())
	}
	return stopAddress(sc).String(), nil
}

// Delete removes the bookmark named by key and reports whether one existed.
// It never contacts the feed.
func (p *Provider) Delete(ctx context.Context, path string, key nextbus.SavedStopKey) (bool, error) {
	if router.Match(path).Kind != router.KindSavedStops {
		return false, fmt.Errorf("delete %q: %w", path, ErrNotSupported)
	}
	dir, stop, err := p.lookupStop(ctx, key.Scope())
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	removed, err := p.store.DeleteSavedStop(ctx, stop.ID, dir.ID)
	if err != nil {
		return false, err
	}
	if removed {
		p.changed(router.SavedStops())
	}
	return removed, nil
}

// Type returns the content type of path, or "" when no resource matches.
func (p *Provider) Type(path string) string {
	return router.Match(path).ContentType()
}

func (p *Provider) lookupStop(ctx context.Context, sc nextbus.Scope) (*nextbus.Direction, *nextbus.Stop, error) {
	if !complete(sc) {
		return nil, nil, fmt.Errorf("%s: %w", sc.Key(nextbus.LevelStop), ErrNotFound)
	}
	dir, err := p.store.Direction(ctx, sc)
	if err != nil {
		return nil, nil, err
	}
	stop, err := p.store.Stop(ctx, sc)
	if err != nil {
		return nil, nil, err
	}
	if dir == nil || stop == nil {
		return nil, nil, fmt.Errorf("%s: %w", sc.Key(nextbus.LevelStop), ErrNotFound)
	}
	return dir, stop, nil
}

func complete(sc nextbus.Scope) bool {
	return sc.Agency != "" && sc.Route != "" && sc.Direction != "" && sc.Stop != ""
}

func (p *Provider) changed(addr router.Address) {
	if p.notify != nil {
		p.notify.Notify(addr)
	}
}

func stopAddress(sc nextbus.Scope) router.Address {
	return router.Address{Kind: router.KindStop, Agency: sc.Agency, Route: sc.Route, Direction: sc.Direction, Stop: sc.Stop}
}

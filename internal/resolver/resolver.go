// Package resolver fills the local store from the NextBus feed on demand.
//
// Ensure walks the hierarchy top-down. Each level is fetched only when the
// store holds nothing for the requested scope, and each fetch is written in a
// single transaction, so a failed step leaves no rows behind and is simply
// retried by the next call.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"transit-cache/internal/db"
	"transit-cache/internal/metrics"
	"transit-cache/internal/nextbus"
	"transit-cache/internal/router"
)

// ErrRemote marks failures of the remote feed, as opposed to the store.
var ErrRemote = errors.New("remote source")

// Source is the remote feed the cache is filled from.
type Source interface {
	Agencies(ctx context.Context) ([]nextbus.Agency, error)
	Routes(ctx context.Context, agency nextbus.Agency) ([]nextbus.Route, error)
	RouteConfig(ctx context.Context, agency nextbus.Agency, route nextbus.Route) ([]nextbus.Direction, error)
}

// Notifier is told about every address whose data changed.
type Notifier interface {
	Notify(addr router.Address)
}

type Resolver struct {
	store   *db.Store
	src     Source
	notify  Notifier
	metrics *metrics.Collector

	group singleflight.Group
	// known holds scope keys whose level is already cached. Rows are never
	// deleted, so an entry stays true for the life of the store.
	known *lru.Cache[string, struct{}]
}

// New builds a Resolver. memoSize <= 0 disables the in-process memo; notify
// and m may be nil.
func New(store *db.Store, src Source, memoSize int, notify Notifier, m *metrics.Collector) (*Resolver, error) {
	r := &Resolver{store: store, src: src, notify: notify, metrics: m}
	if memoSize > 0 {
		known, err := lru.New[string, struct{}](memoSize)
		if err != nil {
			return nil, err
		}
		r.known = known
	}
	return r, nil
}

// Ensure guarantees the store holds every level from the agency down to level
// for sc, fetching only the missing ones. Unknown parent tags end the cascade
// without error; the subsequent read simply finds no rows.
func (r *Resolver) Ensure(ctx context.Context, level nextbus.Level, sc nextbus.Scope) error {
	if err := r.ensureAgencies(ctx, sc); err != nil {
		return err
	}
	if level == nextbus.LevelAgency {
		return nil
	}
	ok, err := r.ensureRoutes(ctx, sc)
	if err != nil || !ok {
		return err
	}
	if level == nextbus.LevelRoute {
		return nil
	}
	return r.ensureDirections(ctx, level, sc)
}

func (r *Resolver) ensureAgencies(ctx context.Context, sc nextbus.Scope) error {
	hit, err := r.present(ctx, nextbus.LevelAgency, sc)
	if err != nil || hit {
		return err
	}
	return r.do(ctx, "agencies", func(ctx context.Context) error {
		start := time.Now()
		agencies, err := r.src.Agencies(ctx)
		r.observeRemote("agencies", start, err)
		if err != nil {
			return fmt.Errorf("%w: agency list: %w", ErrRemote, err)
		}
		created := 0
		err = r.store.WithTx(ctx, func(tx *db.Tx) error {
			for i := range agencies {
				ok, err := tx.CreateAgency(ctx, &agencies[i])
				if err != nil {
					return err
				}
				if ok {
					created++
				}
			}
			return nil
		})
		if err != nil {
			r.txFailed(nextbus.LevelAgency)
			return err
		}
		log.Printf("cached %d agencies (%d new)", len(agencies), created)
		r.changed(created, router.Collection(nextbus.LevelAgency, sc))
		return nil
	})
}

// ensureRoutes fills the routes of sc.Agency. It reports false when the
// agency does not exist and the cascade should stop.
func (r *Resolver) ensureRoutes(ctx context.Context, sc nextbus.Scope) (bool, error) {
	hit, err := r.present(ctx, nextbus.LevelRoute, sc)
	if err != nil || hit {
		return hit, err
	}
	agency, err := r.store.Agency(ctx, sc.Agency)
	if err != nil {
		return false, err
	}
	if agency == nil {
		log.Printf("agency %q not offered by the feed", sc.Agency)
		return false, nil
	}
	err = r.do(ctx, "routes:"+agency.Tag, func(ctx context.Context) error {
		start := time.Now()
		routes, err := r.src.Routes(ctx, *agency)
		r.observeRemote("routes", start, err)
		if err != nil {
			return fmt.Errorf("%w: routes of %s: %w", ErrRemote, agency.Tag, err)
		}
		created := 0
		err = r.store.WithTx(ctx, func(tx *db.Tx) error {
			for i := range routes {
				routes[i].AgencyID = agency.ID
				ok, err := tx.CreateRoute(ctx, &routes[i])
				if err != nil {
					return err
				}
				if ok {
					created++
				}
			}
			return nil
		})
		if err != nil {
			r.txFailed(nextbus.LevelRoute)
			return err
		}
		log.Printf("cached %d routes for agency %s (%d new)", len(routes), agency.Tag, created)
		r.changed(created, router.Collection(nextbus.LevelRoute, sc))
		return nil
	})
	return err == nil, err
}

// ensureDirections fills the directions and stops of sc.Route from its route
// configuration. Stops have no fetch of their own.
func (r *Resolver) ensureDirections(ctx context.Context, level nextbus.Level, sc nextbus.Scope) error {
	hit, err := r.present(ctx, nextbus.LevelDirection, sc)
	if err != nil {
		return err
	}
	if hit && level == nextbus.LevelStop {
		hit, err = r.present(ctx, nextbus.LevelStop, sc)
		if err != nil {
			return err
		}
	}
	if hit {
		return nil
	}

	agency, err := r.store.Agency(ctx, sc.Agency)
	if err != nil || agency == nil {
		return err
	}
	route, err := r.store.Route(ctx, sc.Agency, sc.Route)
	if err != nil {
		return err
	}
	if route == nil {
		log.Printf("route %q of agency %q not offered by the feed", sc.Route, sc.Agency)
		return nil
	}

	return r.do(ctx, "config:"+agency.Tag+"/"+route.Tag, func(ctx context.Context) error {
		start := time.Now()
		dirs, err := r.src.RouteConfig(ctx, *agency, *route)
		r.observeRemote("route_config", start, err)
		if err != nil {
			return fmt.Errorf("%w: configuration of route %s/%s: %w", ErrRemote, agency.Tag, route.Tag, err)
		}
		created, stops := 0, 0
		var touched []string // directions whose stop list gained rows
		err = r.store.WithTx(ctx, func(tx *db.Tx) error {
			for i := range dirs {
				d := &dirs[i]
				d.RouteID = route.ID
				dirNew, err := tx.CreateDirection(ctx, d)
				if err != nil {
					return err
				}
				if dirNew {
					created++
				}
				linked := false
				for j := range d.Stops {
					st := &d.Stops[j]
					st.AgencyID = agency.ID
					ok, err := tx.CreateStop(ctx, st)
					if err != nil {
						return err
					}
					if ok {
						created++
					}
					ok, err = tx.LinkDirectionStop(ctx, d.ID, st.ID)
					if err != nil {
						return err
					}
					if ok {
						stops++
						created++
						linked = true
					}
				}
				if linked {
					touched = append(touched, d.Tag)
				}
			}
			return nil
		})
		if err != nil {
			r.txFailed(nextbus.LevelDirection)
			return err
		}
		log.Printf("cached %d directions and %d stop links for route %s/%s", len(dirs), stops, agency.Tag, route.Tag)
		routeScope := nextbus.Scope{Agency: sc.Agency, Route: sc.Route}
		addrs := []router.Address{
			router.Collection(nextbus.LevelDirection, routeScope),
			router.Collection(nextbus.LevelStop, routeScope),
		}
		for _, tag := range touched {
			dirScope := routeScope
			dirScope.Direction = tag
			addrs = append(addrs, router.Collection(nextbus.LevelStop, dirScope))
		}
		r.changed(created, addrs...)
		return nil
	})
}

// do runs fn once per key across concurrent callers. fn runs detached from
// the cancellation of whichever caller started it, so a caller that goes away
// does not fail the others; each caller stops waiting when its own ctx ends.
// The remote client's timeout still bounds the fetch.
func (r *Resolver) do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ch := r.group.DoChan(key, func() (any, error) {
		return nil, fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// present reports whether the store already holds rows of level inside sc,
// consulting the memo first and recording positive answers in it.
func (r *Resolver) present(ctx context.Context, level nextbus.Level, sc nextbus.Scope) (bool, error) {
	if r.cached(level, sc) {
		r.observeLookup(level, true)
		return true, nil
	}
	n, err := r.store.Count(ctx, level, sc)
	if err != nil {
		return false, err
	}
	hit := n > 0
	if hit && r.known != nil {
		r.known.Add(sc.Key(level), struct{}{})
	}
	r.observeLookup(level, hit)
	return hit, nil
}

func (r *Resolver) cached(level nextbus.Level, sc nextbus.Scope) bool {
	if r.known == nil {
		return false
	}
	return r.known.Contains(sc.Key(level))
}

func (r *Resolver) changed(created int, addrs ...router.Address) {
	if created == 0 || r.notify == nil {
		return
	}
	for _, a := range addrs {
		r.notify.Notify(a)
	}
}

func (r *Resolver) observeRemote(call string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.ObserveRemote(call, time.Since(start), err)
	}
}

func (r *Resolver) observeLookup(level nextbus.Level, hit bool) {
	if r.metrics != nil {
		r.metrics.ObserveLookup(level.String(), hit)
	}
}

func (r *Resolver) txFailed(level nextbus.Level) {
	if r.metrics != nil {
		r.metrics.TxFailures.WithLabelValues(level.String()).Inc()
	}
}

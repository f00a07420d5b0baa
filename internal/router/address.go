// Package router classifies resource addresses such as
// "agencies/ttc/routes/506/directions" into a closed set of kinds.
package router

import (
	"strings"

	"transit-cache/internal/nextbus"
)

type Kind int

const (
	KindNone Kind = iota
	KindSavedStops
	KindAgencies
	KindAgency
	KindRoutes
	KindRoute
	KindRouteStops
	KindRouteStop
	KindDirections
	KindDirection
	KindStops
	KindStop
	KindPredictions
)

var kindNames = map[Kind]string{
	KindNone:        "none",
	KindSavedStops:  "saved-stops",
	KindAgencies:    "agencies",
	KindAgency:      "agency",
	KindRoutes:      "routes",
	KindRoute:       "route",
	KindRouteStops:  "route-stops",
	KindRouteStop:   "route-stop",
	KindDirections:  "directions",
	KindDirection:   "direction",
	KindStops:       "stops",
	KindStop:        "stop",
	KindPredictions: "predictions",
}

func (k Kind) String() string { return kindNames[k] }

// template segments: "*" binds the next tag slot, anything else is literal.
type template struct {
	kind     Kind
	segments []string
}

var templates = []template{
	{KindSavedStops, []string{"saved-stops"}},
	{KindAgencies, []string{"agencies"}},
	{KindAgency, []string{"agencies", "*"}},
	{KindRoutes, []string{"agencies", "*", "routes"}},
	{KindRoute, []string{"agencies", "*", "routes", "*"}},
	{KindRouteStops, []string{"agencies", "*", "routes", "*", "stops"}},
	{KindRouteStop, []string{"agencies", "*", "routes", "*", "stops", "*"}},
	{KindDirections, []string{"agencies", "*", "routes", "*", "directions"}},
	{KindDirection, []string{"agencies", "*", "routes", "*", "directions", "*"}},
	{KindStops, []string{"agencies", "*", "routes", "*", "directions", "*", "stops"}},
	{KindStop, []string{"agencies", "*", "routes", "*", "directions", "*", "stops", "*"}},
	{KindPredictions, []string{"agencies", "*", "routes", "*", "directions", "*", "stops", "*", "predictions"}},
}

// Address is a classified resource path.
type Address struct {
	Kind      Kind
	Agency    string
	Route     string
	Direction string
	Stop      string
}

// Match classifies path. A template matches only when every segment does and
// the segment counts are equal, so ".../routes" and ".../routes/506" never
// collide. Unknown paths yield KindNone.
func Match(path string) Address {
	segs := splitPath(path)
	for _, t := range templates {
		if len(t.segments) != len(segs) {
			continue
		}
		var tags []string
		ok := true
		for i, want := range t.segments {
			if want == "*" {
				tags = append(tags, segs[i])
				continue
			}
			if segs[i] != want {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		a := Address{Kind: t.kind}
		if t.kind == KindRouteStop {
			// the stop tag sits where a direction tag would otherwise be
			a.Agency, a.Route, a.Stop = tags[0], tags[1], tags[2]
			return a
		}
		slots := []*string{&a.Agency, &a.Route, &a.Direction, &a.Stop}
		for i, tag := range tags {
			*slots[i] = tag
		}
		return a
	}
	return Address{Kind: KindNone}
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "content://")
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	raw := strings.Split(path, "/")
	out := raw[:0]
	for _, s := range raw {
		if s == "" {
			return nil // empty segments never match a template
		}
		out = append(out, s)
	}
	return out
}

// Level returns the hierarchy level the address reads from.
func (a Address) Level() (nextbus.Level, bool) {
	switch a.Kind {
	case KindAgencies, KindAgency:
		return nextbus.LevelAgency, true
	case KindRoutes, KindRoute:
		return nextbus.LevelRoute, true
	case KindDirections, KindDirection:
		return nextbus.LevelDirection, true
	case KindRouteStops, KindRouteStop, KindStops, KindStop, KindPredictions:
		return nextbus.LevelStop, true
	default:
		return 0, false
	}
}

// Item reports whether the address names a single row rather than a collection.
func (a Address) Item() bool {
	switch a.Kind {
	case KindAgency, KindRoute, KindRouteStop, KindDirection, KindStop, KindPredictions:
		return true
	default:
		return false
	}
}

func (a Address) Scope() nextbus.Scope {
	return nextbus.Scope{Agency: a.Agency, Route: a.Route, Direction: a.Direction, Stop: a.Stop}
}

// String renders the canonical path of the address.
func (a Address) String() string {
	var parts []string
	switch a.Kind {
	case KindNone:
		return ""
	case KindSavedStops:
		return "saved-stops"
	}
	parts = append(parts, "agencies")
	if a.Kind == KindAgencies {
		return strings.Join(parts, "/")
	}
	parts = append(parts, a.Agency)
	if a.Kind == KindAgency {
		return strings.Join(parts, "/")
	}
	parts = append(parts, "routes")
	if a.Kind == KindRoutes {
		return strings.Join(parts, "/")
	}
	parts = append(parts, a.Route)
	switch a.Kind {
	case KindRoute:
		return strings.Join(parts, "/")
	case KindRouteStops:
		return strings.Join(append(parts, "stops"), "/")
	case KindRouteStop:
		return strings.Join(append(parts, "stops", a.Stop), "/")
	}
	parts = append(parts, "directions")
	if a.Kind == KindDirections {
		return strings.Join(parts, "/")
	}
	parts = append(parts, a.Direction)
	if a.Kind == KindDirection {
		return strings.Join(parts, "/")
	}
	parts = append(parts, "stops")
	if a.Kind == KindStops {
		return strings.Join(parts, "/")
	}
	parts = append(parts, a.Stop)
	if a.Kind == KindPredictions {
		parts = append(parts, "predictions")
	}
	return strings.Join(parts, "/")
}

// ContentType describes the structural kind and entity of the address,
// e.g. "vnd.transit.dir/route" for a route collection. Empty for KindNone.
func (a Address) ContentType() string {
	var entity string
	switch a.Kind {
	case KindNone:
		return ""
	case KindSavedStops:
		entity = "saved-stop"
	case KindAgencies, KindAgency:
		entity = "agency"
	case KindRoutes, KindRoute:
		entity = "route"
	case KindDirections, KindDirection:
		entity = "direction"
	case KindPredictions:
		return "vnd.transit.dir/prediction"
	default:
		entity = "stop"
	}
	if a.Item() {
		return "vnd.transit.item/" + entity
	}
	return "vnd.transit.dir/" + entity
}

// SavedStops is the address of the bookmark collection.
func SavedStops() Address { return Address{Kind: KindSavedStops} }

// Collection returns the collection address that contains the level rows
// of sc, e.g. LevelRoute -> agencies/{a}/routes.
func Collection(level nextbus.Level, sc nextbus.Scope) Address {
	switch level {
	case nextbus.LevelAgency:
		return Address{Kind: KindAgencies}
	case nextbus.LevelRoute:
		return Address{Kind: KindRoutes, Agency: sc.Agency}
	case nextbus.LevelDirection:
		return Address{Kind: KindDirections, Agency: sc.Agency, Route: sc.Route}
	default:
		if sc.Direction == "" {
			return Address{Kind: KindRouteStops, Agency: sc.Agency, Route: sc.Route}
		}
		return Address{Kind: KindStops, Agency: sc.Agency, Route: sc.Route, Direction: sc.Direction}
	}
}

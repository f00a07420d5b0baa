package nextbus

import (
	"strings"
	"time"
)

type Agency struct {
	ID          int64
	Tag         string
	Title       string
	ShortTitle  string
	RegionTitle string
	Copyright   string
	Timestamp   time.Time // when the agency list was fetched
}

type Route struct {
	ID         int64
	AgencyID   int64
	Tag        string
	Title      string
	ShortTitle string
}

type Direction struct {
	ID      int64
	RouteID int64
	Tag     string
	Title   string
	Name    string
	Stops   []Stop // only populated on route configurations from the remote feed
}

type Stop struct {
	ID         int64
	AgencyID   int64
	Tag        string
	Title      string
	ShortTitle string
}

// SavedStop is a user bookmark of a stop served by a direction.
type SavedStop struct {
	ID          int64
	StopID      int64
	DirectionID int64
	CreatedAt   time.Time
}

// SavedStopKey identifies a bookmark by tags rather than row IDs.
type SavedStopKey struct {
	AgencyTag    string
	RouteTag     string
	DirectionTag string
	StopTag      string
}

func (k SavedStopKey) Scope() Scope {
	return Scope{Agency: k.AgencyTag, Route: k.RouteTag, Direction: k.DirectionTag, Stop: k.StopTag}
}

type PredictionGroup struct {
	AgencyTitle string
	RouteTag    string
	RouteTitle  string
	StopTag     string
	StopTitle   string
	Predictions []Prediction
}

// ForDirection returns the predictions of g for direction tag. The feed answers
// per route and stop, so a stop shared by several directions carries all of
// them. Predictions without a direction tag are kept, and an empty tag keeps
// everything.
func (g PredictionGroup) ForDirection(tag string) []Prediction {
	if tag == "" {
		return g.Predictions
	}
	var out []Prediction
	for _, p := range g.Predictions {
		if p.DirectionTag == "" || p.DirectionTag == tag {
			out = append(out, p)
		}
	}
	return out
}

type Prediction struct {
	DirectionTag   string
	DirectionTitle string
	EpochTime      time.Time
	Seconds        int
	Minutes        int
	IsDeparture    bool
	Vehicle        string
	TripTag        string
}

// Level is a depth in the agency -> route -> direction -> stop hierarchy.
type Level int

const (
	LevelAgency Level = iota
	LevelRoute
	LevelDirection
	LevelStop
)

func (l Level) String() string {
	switch l {
	case LevelAgency:
		return "agency"
	case LevelRoute:
		return "route"
	case LevelDirection:
		return "direction"
	case LevelStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Scope is a point in the hierarchy. Empty tags are unconstrained.
type Scope struct {
	Agency    string
	Route     string
	Direction string
	Stop      string
}

// Key renders the scope at level as a stable string, e.g. "route:ttc/506".
func (s Scope) Key(level Level) string {
	parts := []string{s.Agency}
	if level >= LevelRoute {
		parts = append(parts, s.Route)
	}
	if level >= LevelDirection {
		parts = append(parts, s.Direction)
	}
	if level >= LevelStop {
		parts = append(parts, s.Stop)
	}
	return level.String() + ":" + strings.Join(parts, "/")
}

// Package nextbustest provides an in-memory NextBus feed for tests.
package nextbustest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"transit-cache/internal/nextbus"
)

// Feed serves fixed fixtures and counts every call by key:
// "agencies", "routes:<agency>", "config:<agency>/<route>", "predictions:<agency>".
type Feed struct {
	mu          sync.Mutex
	agencies    []nextbus.Agency
	routes      map[string][]nextbus.Route
	configs     map[string][]nextbus.Direction
	predictions map[string]nextbus.PredictionGroup // agency/route/stop
	fail        map[string]error
	calls       map[string]int
	held        map[string]chan struct{}
}

// New returns a feed with two agencies. ttc has routes 506 and 501; route 506
// has two directions sharing stop 1000.
func New() *Feed {
	return &Feed{
		agencies: []nextbus.Agency{
			{Tag: "ttc", Title: "Toronto Transit Commission", ShortTitle: "TTC", RegionTitle: "Ontario"},
			{Tag: "sf-muni", Title: "San Francisco Muni", RegionTitle: "California-Northern"},
		},
		routes: map[string][]nextbus.Route{
			"ttc": {
				{Tag: "506", Title: "506-Carlton"},
				{Tag: "501", Title: "501-Queen"},
			},
			"sf-muni": {
				{Tag: "N", Title: "N-Judah"},
			},
		},
		configs: map[string][]nextbus.Direction{
			"ttc/506": {
				{Tag: "506_0_506", Title: "East - 506 Carlton towards Main Street Station", Name: "East", Stops: []nextbus.Stop{
					{Tag: "5292", Title: "College St At Spadina Ave"},
					{Tag: "1000", Title: "Carlton St At Yonge St"},
				}},
				{Tag: "506_1_506", Title: "West - 506 Carlton towards High Park Loop", Name: "West", Stops: []nextbus.Stop{
					{Tag: "1000", Title: "Carlton St At Yonge St"},
					{Tag: "5293", Title: "College St At Bathurst St"},
				}},
			},
			"ttc/501": {
				{Tag: "501_0_501", Title: "East - 501 Queen towards Neville Park", Name: "East", Stops: []nextbus.Stop{
					{Tag: "2000", Title: "Queen St West At Yonge St"},
				}},
			},
			"sf-muni/N": {
				{Tag: "N__OB1", Title: "Outbound to Ocean Beach", Name: "Outbound", Stops: []nextbus.Stop{
					{Tag: "3000", Title: "Judah St & 9th Ave"},
				}},
			},
		},
		predictions: map[string]nextbus.PredictionGroup{
			"ttc/506/5292": {
				AgencyTitle: "Toronto Transit Commission",
				RouteTag:    "506", RouteTitle: "506-Carlton",
				StopTag: "5292", StopTitle: "College St At Spadina Ave",
				Predictions: []nextbus.Prediction{
					{DirectionTag: "506_0_506", DirectionTitle: "East", EpochTime: time.Unix(1700000000, 0).UTC(), Seconds: 240, Minutes: 4, Vehicle: "4410"},
					{DirectionTag: "506_0_506", DirectionTitle: "East", EpochTime: time.Unix(1700000600, 0).UTC(), Seconds: 840, Minutes: 14, Vehicle: "4425"},
				},
			},
			"ttc/506/1000": {
				AgencyTitle: "Toronto Transit Commission",
				RouteTag:    "506", RouteTitle: "506-Carlton",
				StopTag: "1000", StopTitle: "Carlton St At Yonge St",
				Predictions: []nextbus.Prediction{
					{DirectionTag: "506_0_506", DirectionTitle: "East", EpochTime: time.Unix(1700000120, 0).UTC(), Seconds: 120, Minutes: 2, Vehicle: "4401"},
					{DirectionTag: "506_1_506", DirectionTitle: "West", EpochTime: time.Unix(1700000300, 0).UTC(), Seconds: 300, Minutes: 5, Vehicle: "4402"},
				},
			},
		},
		fail:  map[string]error{},
		calls: map[string]int{},
		held:  map[string]chan struct{}{},
	}
}

// SetConfig replaces the configuration served for agency/route.
func (f *Feed) SetConfig(agency, route string, dirs []nextbus.Direction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[agency+"/"+route] = dirs
}

// Fail makes the call identified by key return err until cleared with a nil err.
func (f *Feed) Fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, key)
		return
	}
	f.fail[key] = err
}

func (f *Feed) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *Feed) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Feed) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = map[string]int{}
}

// Hold makes calls identified by key block until release is called or the
// caller's context ends.
func (f *Feed) Hold(key string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.held[key] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.held, key)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Feed) hit(ctx context.Context, key string) error {
	f.mu.Lock()
	f.calls[key]++
	err, hold := f.fail[key], f.held[key]
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Feed) Agencies(ctx context.Context) ([]nextbus.Agency, error) {
	if err := f.hit(ctx, "agencies"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nextbus.Agency(nil), f.agencies...), nil
}

func (f *Feed) Routes(ctx context.Context, agency nextbus.Agency) ([]nextbus.Route, error) {
	if err := f.hit(ctx, "routes:"+agency.Tag); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nextbus.Route(nil), f.routes[agency.Tag]...), nil
}

func (f *Feed) RouteConfig(ctx context.Context, agency nextbus.Agency, route nextbus.Route) ([]nextbus.Direction, error) {
	key := agency.Tag + "/" + route.Tag
	if err := f.hit(ctx, "config:"+key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.configs[key]
	out := make([]nextbus.Direction, len(src))
	for i, d := range src {
		out[i] = d
		out[i].Stops = append([]nextbus.Stop(nil), d.Stops...)
	}
	return out, nil
}

func (f *Feed) Predictions(ctx context.Context, agencyTag string, stops []nextbus.StopRef) ([]nextbus.PredictionGroup, error) {
	if err := f.hit(ctx, "predictions:"+agencyTag); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []nextbus.PredictionGroup
	for _, s := range stops {
		key := fmt.Sprintf("%s/%s/%s", agencyTag, s.RouteTag, s.StopTag)
		if g, ok := f.predictions[key]; ok {
			g.Predictions = append([]nextbus.Prediction(nil), g.Predictions...)
			out = append(out, g)
		}
	}
	return out, nil
}

package nextbus

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultFeedURL = "https://retro.umoiq.com/service/publicXMLFeed"

// Client talks to the NextBus public XML feed.
type Client struct {
	baseURL string
	hc      *http.Client
	now     func() time.Time
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultFeedURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// StopRef names a stop on a route for prediction requests.
type StopRef struct {
	RouteTag string
	StopTag  string
}

type xmlBody struct {
	XMLName     xml.Name         `xml:"body"`
	Error       *xmlError        `xml:"Error"`
	Agencies    []xmlAgency      `xml:"agency"`
	Routes      []xmlRoute       `xml:"route"`
	Predictions []xmlPredictions `xml:"predictions"`
}

type xmlError struct {
	ShouldRetry bool   `xml:"shouldRetry,attr"`
	Message     string `xml:",chardata"`
}

type xmlAgency struct {
	Tag         string `xml:"tag,attr"`
	Title       string `xml:"title,attr"`
	ShortTitle  string `xml:"shortTitle,attr"`
	RegionTitle string `xml:"regionTitle,attr"`
}

type xmlRoute struct {
	Tag        string         `xml:"tag,attr"`
	Title      string         `xml:"title,attr"`
	ShortTitle string         `xml:"shortTitle,attr"`
	Stops      []xmlStop      `xml:"stop"`
	Directions []xmlDirection `xml:"direction"`
}

type xmlStop struct {
	Tag        string `xml:"tag,attr"`
	Title      string `xml:"title,attr"`
	ShortTitle string `xml:"shortTitle,attr"`
}

type xmlDirection struct {
	Tag   string    `xml:"tag,attr"`
	Title string    `xml:"title,attr"`
	Name  string    `xml:"name,attr"`
	Stops []xmlStop `xml:"stop"`
}

type xmlPredictions struct {
	AgencyTitle string `xml:"agencyTitle,attr"`
	RouteTag    string `xml:"routeTag,attr"`
	RouteTitle  string `xml:"routeTitle,attr"`
	StopTag     string `xml:"stopTag,attr"`
	StopTitle   string `xml:"stopTitle,attr"`
	Directions  []struct {
		Title       string `xml:"title,attr"`
		Predictions []struct {
			EpochTime   int64  `xml:"epochTime,attr"`
			Seconds     int    `xml:"seconds,attr"`
			Minutes     int    `xml:"minutes,attr"`
			IsDeparture bool   `xml:"isDeparture,attr"`
			DirTag      string `xml:"dirTag,attr"`
			Vehicle     string `xml:"vehicle,attr"`
			TripTag     string `xml:"tripTag,attr"`
		} `xml:"prediction"`
	} `xml:"direction"`
}

func (c *Client) Agencies(ctx context.Context) ([]Agency, error) {
	body, err := c.get(ctx, url.Values{"command": {"agencyList"}})
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	out := make([]Agency, 0, len(body.Agencies))
	for _, a := range body.Agencies {
		out = append(out, Agency{
			Tag:         a.Tag,
			Title:       a.Title,
			ShortTitle:  a.ShortTitle,
			RegionTitle: a.RegionTitle,
			Timestamp:   now,
		})
	}
	return out, nil
}

func (c *Client) Routes(ctx context.Context, agency Agency) ([]Route, error) {
	body, err := c.get(ctx, url.Values{"command": {"routeList"}, "a": {agency.Tag}})
	if err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(body.Routes))
	for _, r := range body.Routes {
		out = append(out, Route{Tag: r.Tag, Title: r.Title, ShortTitle: r.ShortTitle})
	}
	return out, nil
}

// RouteConfig returns the directions of a route with their stops in order.
// Direction stop elements only carry a tag; titles come from the route's stop list.
func (c *Client) RouteConfig(ctx context.Context, agency Agency, route Route) ([]Direction, error) {
	body, err := c.get(ctx, url.Values{"command": {"routeConfig"}, "a": {agency.Tag}, "r": {route.Tag}, "terse": {""}})
	if err != nil {
		return nil, err
	}
	if len(body.Routes) == 0 {
		return nil, nil
	}
	cfg := body.Routes[0]
	byTag := make(map[string]xmlStop, len(cfg.Stops))
	for _, s := range cfg.Stops {
		byTag[s.Tag] = s
	}
	out := make([]Direction, 0, len(cfg.Directions))
	for _, d := range cfg.Directions {
		dir := Direction{Tag: d.Tag, Title: d.Title, Name: d.Name}
		for _, ref := range d.Stops {
			s, ok := byTag[ref.Tag]
			if !ok {
				s = ref
			}
			dir.Stops = append(dir.Stops, Stop{Tag: s.Tag, Title: s.Title, ShortTitle: s.ShortTitle})
		}
		out = append(out, dir)
	}
	return out, nil
}

func (c *Client) Predictions(ctx context.Context, agencyTag string, stops []StopRef) ([]PredictionGroup, error) {
	if len(stops) == 0 {
		return nil, nil
	}
	q := url.Values{"command": {"predictionsForMultiStops"}, "a": {agencyTag}}
	for _, s := range stops {
		q.Add("stops", s.RouteTag+"|"+s.StopTag)
	}
	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]PredictionGroup, 0, len(body.Predictions))
	for _, p := range body.Predictions {
		g := PredictionGroup{
			AgencyTitle: p.AgencyTitle,
			RouteTag:    p.RouteTag,
			RouteTitle:  p.RouteTitle,
			StopTag:     p.StopTag,
			StopTitle:   p.StopTitle,
		}
		for _, d := range p.Directions {
			for _, pr := range d.Predictions {
				g.Predictions = append(g.Predictions, Prediction{
					DirectionTag:   pr.DirTag,
					DirectionTitle: d.Title,
					EpochTime:      time.UnixMilli(pr.EpochTime).UTC(),
					Seconds:        pr.Seconds,
					Minutes:        pr.Minutes,
					IsDeparture:    pr.IsDeparture,
					Vehicle:        pr.Vehicle,
					TripTag:        pr.TripTag,
				})
			}
		}
		out = append(out, g)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, q url.Values) (*xmlBody, error) {
	u := c.baseURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nextbus %s: %w", q.Get("command"), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("nextbus %s: unexpected status %q", q.Get("command"), resp.Status)
	}
	var body xmlBody
	if err := xml.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("nextbus %s: decode: %w", q.Get("command"), err)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("nextbus %s: %s", q.Get("command"), strings.TrimSpace(body.Error.Message))
	}
	return &body, nil
}

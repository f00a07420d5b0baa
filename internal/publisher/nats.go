package publisher

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"transit-cache/internal/nextbus"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transit-cache"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: strings.Trim(prefix, "."), logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// PublishChange sends ev on <prefix>.<address segments>, e.g.
// transit.changes.agencies.ttc.routes.
func (p *NATSPublisher) PublishChange(ev ChangeEvent) error {
	return p.publish(changeSubject(p.prefix, ev.Address), ev)
}

type PredictionsMessage struct {
	Agency      string            `json:"agency"`
	Route       string            `json:"route"`
	Direction   string            `json:"direction"`
	Stop        string            `json:"stop"`
	Timestamp   time.Time         `json:"timestamp"`
	Predictions []PredictionEntry `json:"predictions"`
}

type PredictionEntry struct {
	DirectionTag string    `json:"directionTag"`
	EpochTime    time.Time `json:"epochTime"`
	Seconds      int       `json:"seconds"`
	Minutes      int       `json:"minutes"`
	IsDeparture  bool      `json:"isDeparture"`
	Vehicle      string    `json:"vehicle,omitempty"`
	TripTag      string    `json:"tripTag,omitempty"`
}

// NewPredictionsMessage flattens the groups returned for one saved stop,
// keeping only the bookmarked direction.
func NewPredictionsMessage(key nextbus.SavedStopKey, at time.Time, groups []nextbus.PredictionGroup) PredictionsMessage {
	msg := PredictionsMessage{
		Agency:      key.AgencyTag,
		Route:       key.RouteTag,
		Direction:   key.DirectionTag,
		Stop:        key.StopTag,
		Timestamp:   at,
		Predictions: []PredictionEntry{},
	}
	for _, g := range groups {
		for _, pr := range g.ForDirection(key.DirectionTag) {
			msg.Predictions = append(msg.Predictions, PredictionEntry{
				DirectionTag: pr.DirectionTag,
				EpochTime:    pr.EpochTime,
				Seconds:      pr.Seconds,
				Minutes:      pr.Minutes,
				IsDeparture:  pr.IsDeparture,
				Vehicle:      pr.Vehicle,
				TripTag:      pr.TripTag,
			})
		}
	}
	return msg
}

func (p *NATSPublisher) PublishPredictions(msg PredictionsMessage) error {
	return p.publish(predictionsSubject(p.prefix, msg), msg)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func changeSubject(prefix, address string) string {
	parts := []string{prefix}
	for _, seg := range strings.Split(address, "/") {
		parts = append(parts, subjectToken(seg))
	}
	return strings.Join(parts, ".")
}

func predictionsSubject(prefix string, msg PredictionsMessage) string {
	return strings.Join([]string{
		prefix, "predictions",
		subjectToken(msg.Agency), subjectToken(msg.Route), subjectToken(msg.Stop),
	}, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

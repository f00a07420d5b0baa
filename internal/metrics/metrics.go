package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	CacheLookups *prometheus.CounterVec // labels: level, result=hit|miss
	TxFailures   *prometheus.CounterVec // label: level

	RemoteRequests *prometheus.CounterVec // label: call
	RemoteErrors   *prometheus.CounterVec // label: call
	RemoteDuration *prometheus.HistogramVec

	Notifications *prometheus.CounterVec // label: kind

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	WatchedStops    prometheus.Gauge
	PredictionPolls prometheus.Counter
	PollInterval    prometheus.Gauge // seconds

	HTTPRequests *prometheus.CounterVec // labels: method, code
}

func NewCollector(pollInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitcache_cache_lookups_total",
			Help: "Cascade steps answered locally (hit) or fetched remotely (miss).",
		}, []string{"level", "result"}),
		TxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitcache_tx_failures_total",
			Help: "Fill transactions rolled back.",
		}, []string{"level"}),
		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitcache_remote_requests_total",
			Help: "Calls made to the NextBus feed.",
		}, []string{"call"}),
		RemoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitcache_remote_errors_total",
			Help: "Failed calls to the NextBus feed.",
		}, []string{"call"}),
		RemoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transitcache_remote_duration_seconds",
			Help:    "Latency of NextBus feed calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"call"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitcache_notifications_total",
			Help: "Change notifications emitted, by address kind.",
		}, []string{"kind"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitcache_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitcache_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitcache_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitcache_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		WatchedStops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitcache_watched_stops",
			Help: "Saved stops currently polled for predictions.",
		}),
		PredictionPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitcache_prediction_polls_total",
			Help: "Prediction polls issued for saved stops.",
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitcache_poll_interval_seconds",
			Help: "Prediction poll interval in seconds.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitcache_http_requests_total",
			Help: "HTTP API requests by method and status code.",
		}, []string{"method", "code"}),
	}

	reg.MustRegister(
		c.CacheLookups, c.TxFailures,
		c.RemoteRequests, c.RemoteErrors, c.RemoteDuration,
		c.Notifications,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.WatchedStops, c.PredictionPolls, c.PollInterval,
		c.HTTPRequests,
	)

	c.PollInterval.Set(pollInterval.Seconds())

	return c
}

// ObserveRemote records one feed call.
func (c *Collector) ObserveRemote(call string, d time.Duration, err error) {
	c.RemoteRequests.WithLabelValues(call).Inc()
	c.RemoteDuration.WithLabelValues(call).Observe(d.Seconds())
	if err != nil {
		c.RemoteErrors.WithLabelValues(call).Inc()
	}
}

func (c *Collector) ObserveLookup(level string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(level, result).Inc()
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

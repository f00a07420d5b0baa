package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"transit-cache/internal/api"
	"transit-cache/internal/config"
	"transit-cache/internal/metrics"
	"transit-cache/internal/publisher"
	"transit-cache/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cache over HTTP and publish change notifications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PredictionsEvery)
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// NATS is optional; without it changes only reach /v1/events subscribers
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	hub := publisher.NewHub()
	sinks := []publisher.ChangeSink{hub}
	if pub != nil {
		sinks = append(sinks, pub)
	}
	fan := publisher.NewFanout(mcol, sinks...)

	a, err := openAppWith(ctx, cfg, mcol, fan)
	if err != nil {
		return err
	}
	defer a.Close()

	// Poll predictions for saved stops
	var w *watch.Watcher
	if cfg.PredictionsEvery > 0 {
		var predPub watch.PredictionPublisher = logPredictions{}
		if pub != nil {
			predPub = pub
		}
		events, unsubscribe := hub.Subscribe(16)
		defer unsubscribe()
		w = watch.NewWatcher(a.store, a.feed, predPub, cfg.PredictionsEvery, mcol)
		w.Start(ctx, events)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHandler(a.prov, a.store, hub, mcol).Router(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Block until context cancelled or the listener fails
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Printf("http shutdown: %v", serr)
	}
	if w != nil {
		w.Stop()
	}
	log.Println("shutdown complete")
	return err
}

// logPredictions stands in for NATS when it is not configured.
type logPredictions struct{}

func (logPredictions) PublishPredictions(msg publisher.PredictionsMessage) error {
	log.Printf("predictions %s/%s/%s: %d", msg.Agency, msg.Route, msg.Stop, len(msg.Predictions))
	return nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

// Package watch polls live predictions for every saved stop and publishes
// them. Each saved stop gets its own goroutine; a refresher keeps the set of
// goroutines in line with the saved-stops table.
package watch

import (
	"context"
	"log"
	"sync"
	"time"

	"transit-cache/internal/db"
	mmetrics "transit-cache/internal/metrics"
	"transit-cache/internal/nextbus"
	"transit-cache/internal/provider"
	"transit-cache/internal/publisher"
	"transit-cache/internal/router"
)

type PredictionPublisher interface {
	PublishPredictions(msg publisher.PredictionsMessage) error
}

type Watcher struct {
	store    *db.Store
	src      provider.PredictionSource
	pub      PredictionPublisher
	interval time.Duration
	metrics  *mmetrics.Collector

	mu      sync.Mutex
	running map[string]context.CancelFunc // stop scope key -> cancel
	wg      sync.WaitGroup

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

// DefaultInterval is used when NewWatcher is given a non-positive interval.
const DefaultInterval = 30 * time.Second

func NewWatcher(store *db.Store, src provider.PredictionSource, pub PredictionPublisher, interval time.Duration, metrics *mmetrics.Collector) *Watcher {
	if interval <= 0 {
		log.Printf("predictions interval %s not positive, using %s", interval, DefaultInterval)
		interval = DefaultInterval
	}
	return &Watcher{
		store:    store,
		src:      src,
		pub:      pub,
		interval: interval,
		metrics:  metrics,
		running:  make(map[string]context.CancelFunc),
	}
}

// Start begins polling the current saved stops and resyncs on every interval
// and on every saved-stops change event received from events (which may be nil).
func (w *Watcher) Start(ctx context.Context, events <-chan publisher.ChangeEvent) {
	w.sync(ctx)

	rctx, cancel := context.WithCancel(ctx)
	w.refreshCancel = cancel
	w.refreshWG.Add(1)
	go func() {
		defer w.refreshWG.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Address != router.SavedStops().String() {
					continue
				}
			}
			w.sync(rctx)
		}
	}()
}

// sync starts pollers for new saved stops and cancels those whose bookmark
// was removed.
func (w *Watcher) sync(ctx context.Context) {
	keys, err := w.store.SavedStopKeys(ctx)
	if err != nil {
		log.Printf("list saved stops: %v", err)
		return
	}
	want := make(map[string]nextbus.SavedStopKey, len(keys))
	for _, k := range keys {
		want[k.Scope().Key(nextbus.LevelStop)] = k
	}

	w.mu.Lock()
	for id, cancel := range w.running {
		if _, ok := want[id]; !ok {
			log.Printf("stop watching %s", id)
			cancel()
			delete(w.running, id)
		}
	}
	w.mu.Unlock()

	for id, k := range want {
		w.startPoller(ctx, id, k)
	}
}

func (w *Watcher) startPoller(parent context.Context, id string, key nextbus.SavedStopKey) {
	w.mu.Lock()
	if _, exists := w.running[id]; exists {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	w.running[id] = cancel
	w.wg.Add(1)
	if w.metrics != nil {
		w.metrics.WatchedStops.Set(float64(len(w.running)))
	}
	w.mu.Unlock()

	log.Printf("watching predictions for %s every %s", id, w.interval)
	go func() {
		defer w.wg.Done()
		w.poll(ctx, key)

		tick := time.NewTicker(w.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				w.mu.Lock()
				if w.metrics != nil {
					w.metrics.WatchedStops.Set(float64(len(w.running)))
				}
				w.mu.Unlock()
				return
			case <-tick.C:
				w.poll(ctx, key)
			}
		}
	}()
}

func (w *Watcher) poll(ctx context.Context, key nextbus.SavedStopKey) {
	if w.metrics != nil {
		w.metrics.PredictionPolls.Inc()
	}
	start := time.Now()
	groups, err := w.src.Predictions(ctx, key.AgencyTag, []nextbus.StopRef{{RouteTag: key.RouteTag, StopTag: key.StopTag}})
	if w.metrics != nil {
		w.metrics.ObserveRemote("predictions", time.Since(start), err)
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("predictions for %s/%s/%s: %v", key.AgencyTag, key.RouteTag, key.StopTag, err)
		}
		return
	}
	msg := publisher.NewPredictionsMessage(key, time.Now().UTC(), groups)
	if err := w.pub.PublishPredictions(msg); err != nil {
		log.Printf("publish predictions for %s/%s/%s: %v", key.AgencyTag, key.RouteTag, key.StopTag, err)
	}
}

// Watching returns the scope keys of the stops currently polled.
func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.running))
	for id := range w.running {
		out = append(out, id)
	}
	return out
}

func (w *Watcher) Stop() {
	if w.refreshCancel != nil {
		w.refreshCancel()
	}
	w.refreshWG.Wait()
	w.mu.Lock()
	for id, cancel := range w.running {
		cancel()
		delete(w.running, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

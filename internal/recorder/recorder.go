// Package recorder persists received samples in batches.
package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/metrics"
	"pubsub-demo/internal/model"
	"pubsub-demo/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "recorder", Name: "samples_received_total", Help: "Samples handed to the recorder.",
	})
	metricDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "recorder", Name: "samples_dropped_total", Help: "Samples dropped because the recorder had stopped.",
	})
	metricFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "recorder", Name: "samples_flushed_total", Help: "Samples written to storage.",
	})
	metricFlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "recorder", Name: "flush_errors_total", Help: "Errors during flush to storage.",
	})
	metricBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace, Subsystem: "recorder", Name: "backlog", Help: "Current in-memory batch size.",
	})
	metricFlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace, Subsystem: "recorder", Name: "flush_latency_seconds", Help: "Latency of batch flush to storage.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(metricReceived, metricDropped, metricFlushed, metricFlushErrors, metricBacklog, metricFlushLatency)
}

type Config struct {
	Batch         int
	FlushInterval time.Duration
	Workers       int
	// ShutdownTimeout bounds how long queued batches are still written on
	// exit. Samples not saved by then are dropped.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

var tickerFn = func(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// Sink returns a subscriber handler that forwards samples to in. It blocks
// while in is full and drops the sample once ctx is done.
func Sink(ctx context.Context, in chan<- model.Sample) bus.SampleHandler {
	return func(s bus.Sample) {
		smp := model.Sample{KeyExpr: s.KeyExpr, Timestamp: s.Timestamp, Payload: s.Payload}
		if smp.Timestamp.IsZero() {
			smp.Timestamp = time.Now()
		}
		select {
		case in <- smp:
		case <-ctx.Done():
			metricDropped.Inc()
		}
	}
}

// Run batches samples from in and writes them to store on a pool of
// workers. A batch is flushed when it reaches cfg.Batch samples, when the
// flush interval elapses, and when ctx is done or in is closed. Workers keep
// writing queued batches for up to cfg.ShutdownTimeout; after that the rest
// is dropped. Run returns only once no worker is using store, so the caller
// may close it.
func Run(ctx context.Context, in <-chan model.Sample, store storage.Store, cfg Config) error {
	cfg = cfg.withDefaults()
	log := logging.For("recorder")

	type job struct{ items []model.Sample }
	jobs := make(chan job, 64)
	var wg sync.WaitGroup
	var abandon atomic.Bool
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range jobs {
				start := time.Now()
				n := 0
				for _, it := range j.items {
					if abandon.Load() {
						metricDropped.Inc()
						continue
					}
					if err := store.SaveSample(it); err != nil {
						metricFlushErrors.Inc()
						log.Warnf("flush error key=%s ts=%s: %v", it.KeyExpr, it.Timestamp.UTC().Format(time.RFC3339Nano), err)
					} else {
						metricFlushed.Inc()
						n++
					}
				}
				dur := time.Since(start)
				metricFlushLatency.Observe(dur.Seconds())
				log.Debugf("worker=%d flushed=%d in %s", id, n, dur)
			}
		}(i)
	}

	ticker := tickerFn(cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.Sample, 0, cfg.Batch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		items := make([]model.Sample, len(batch))
		copy(items, batch)
		batch = batch[:0]
		metricBacklog.Set(0)
		jobs <- job{items: items}
	}
	stop := func() error {
		flush()
		close(jobs)
		waitDone := make(chan struct{})
		go func() { wg.Wait(); close(waitDone) }()
		select {
		case <-waitDone:
		case <-time.After(cfg.ShutdownTimeout):
			log.Warnf("shutdown timeout after %s; dropping unsaved samples", cfg.ShutdownTimeout)
			abandon.Store(true)
			<-waitDone
		}
		return nil
	}

	take := func(s model.Sample) {
		metricReceived.Inc()
		batch = append(batch, s)
		metricBacklog.Set(float64(len(batch)))
		if len(batch) >= cfg.Batch {
			log.Debugf("size flush batch=%d", len(batch))
			flush()
		}
	}

	for {
		select {
		case <-ctx.Done():
			// keep what was already queued
			for {
				select {
				case s, ok := <-in:
					if !ok {
						return stop()
					}
					take(s)
				default:
					return stop()
				}
			}
		case <-ticker.C:
			if len(batch) > 0 {
				log.Debugf("timer flush batch=%d", len(batch))
			}
			flush()
		case s, ok := <-in:
			if !ok {
				return stop()
			}
			take(s)
		}
	}
}

// Record runs fn with a handler that records every sample it is given into
// store. Once fn returns, the pending batch is flushed before Record
// returns.
func Record(ctx context.Context, store storage.Store, cfg Config, fn func(sink bus.SampleHandler) error) error {
	cfg = cfg.withDefaults()
	rctx, cancel := context.WithCancel(ctx)
	in := make(chan model.Sample, 2*cfg.Batch)
	done := make(chan error, 1)
	go func() { done <- Run(rctx, in, store, cfg) }()

	err := fn(Sink(rctx, in))
	cancel()
	if runErr := <-done; err == nil {
		err = runErr
	}
	return err
}

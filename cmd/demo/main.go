// Command demo runs the publisher, subscriber, queryable and querier roles
// in one process over an in-process router.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pubsub-demo/internal/app"
	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/config"
	"pubsub-demo/internal/history"
	"pubsub-demo/internal/keyexpr"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/metrics"
	"pubsub-demo/internal/node"
	"pubsub-demo/internal/recorder"
	"pubsub-demo/internal/roles"
	"pubsub-demo/internal/storage"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	l := loader()
	cfg := app.LoadConfig("demo", l)
	logging.Init(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	metricsDone, err := metrics.Start(ctx, cfg.Metrics.Addr)
	if err != nil {
		logging.For("demo").Fatalf("metrics: %v", err)
	}
	err = run(ctx, cfg, os.Stdout)
	stop()
	<-metricsDone
	if err != nil {
		logging.For("demo").Errorf("failed: %v", err)
	}
	os.Exit(app.ExitCode(err))
}

func loader() *config.Loader {
	l := config.NewLoader("demo")
	l.Duration("duration", "demo.duration", "stop after this long, 0 runs until interrupted")
	l.String("history_addr", "demo.history_addr", "serve recorded samples over HTTP on this addr")
	l.String("store", "storage.kind", "record samples: none|memory|sqlite|influx")
	l.String("sqlite_dsn", "storage.sqlite_dsn", "SQLite DSN (store=sqlite)")
	l.String("pub_key", "publisher.key", "publisher key expression")
	l.Duration("pub_interval", "publisher.interval", "pause between puts")
	l.StringSlice("sub_key", "subscriber.keys", "subscriber key expressions")
	l.String("query_key", "querier.key", "querier key expression")
	l.String("queryable_key", "queryable.key", "queryable key expression")
	l.Duration("query_interval", "querier.interval", "pause between queries")
	return l
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// subscriberKeys adds the publisher key to keys unless one of them already
// covers it, so the demo always shows its own samples.
func subscriberKeys(keys []string, pubKey string) []string {
	for _, k := range keys {
		if keyexpr.Includes(k, pubKey) {
			return keys
		}
	}
	return append(append([]string(nil), keys...), pubKey)
}

// run starts the subscriber and queryable, waits until both are declared,
// then starts the publisher and querier. It returns when ctx is done, the
// demo duration has passed, or a role fails.
func run(ctx context.Context, cfg *config.Config, out io.Writer) (err error) {
	log := logging.For("demo")
	if cfg.Demo.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Demo.Duration)
		defer cancel()
	}
	out = &lockedWriter{w: out}

	router := bus.NewRouter(bus.RouterConfig{MailboxSize: cfg.Busd.MailboxSize})
	defer func() { err = multierr.Append(err, router.Close()) }()
	open := func(context.Context) (bus.Session, error) { return router.Open() }

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return err
	}
	if store == nil && cfg.Demo.HistoryAddr != "" {
		store = storage.NewMemoryStore()
	}
	if store != nil {
		defer func() { err = multierr.Append(err, store.Close()) }()
	}

	g, gctx := errgroup.WithContext(ctx)
	subReady, qblReady := make(chan struct{}), make(chan struct{})

	g.Go(func() error {
		return app.Run(gctx, "subscriber", open, func(ctx context.Context, n *node.Node) error {
			sub := roles.SubscriberConfig{
				KeyExprs: subscriberKeys(cfg.Subscriber.Keys, cfg.Publisher.Key),
				Out:      out,
				Ready:    func() { close(subReady) },
			}
			if store == nil {
				return roles.RunSubscriber(ctx, n, sub)
			}
			rc := recorder.Config{Batch: cfg.Recorder.Batch, FlushInterval: cfg.Recorder.FlushInterval, Workers: cfg.Recorder.Workers}
			return recorder.Record(ctx, store, rc, func(sink bus.SampleHandler) error {
				sub.Sink = sink
				return roles.RunSubscriber(ctx, n, sub)
			})
		})
	})
	g.Go(func() error {
		return app.Run(gctx, "queryable", open, func(ctx context.Context, n *node.Node) error {
			return roles.RunResponder(ctx, n, roles.ResponderConfig{
				KeyExpr: cfg.Queryable.Key,
				Reply:   cfg.Queryable.Reply,
				Pace:    cfg.Queryable.Pace,
				Out:     out,
				Ready:   func() { close(qblReady) },
			})
		})
	})

	if cfg.Demo.HistoryAddr != "" {
		srv := &http.Server{Addr: cfg.Demo.HistoryAddr, Handler: history.NewHandler(store), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Infof("history on %s", cfg.Demo.HistoryAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, ready := range []chan struct{}{subReady, qblReady} {
		select {
		case <-ready:
		case <-gctx.Done():
			return g.Wait()
		}
	}

	g.Go(func() error {
		return app.Run(gctx, "publisher", open, func(ctx context.Context, n *node.Node) error {
			return roles.RunPublisher(ctx, n, roles.PublisherConfig{
				KeyExpr:  cfg.Publisher.Key,
				Interval: cfg.Publisher.Interval,
				Format:   cfg.Publisher.Format,
				Count:    cfg.Publisher.Count,
				Out:      out,
			})
		})
	})
	g.Go(func() error {
		return app.Run(gctx, "querier", open, func(ctx context.Context, n *node.Node) error {
			return roles.RunRequester(ctx, n, roles.RequesterConfig{
				KeyExpr:  cfg.Querier.Key,
				Timeout:  cfg.Querier.Timeout,
				Interval: cfg.Querier.Interval,
				Count:    cfg.Querier.Count,
				Out:      out,
			})
		})
	})
	return g.Wait()
}

// Command subscriber prints every sample delivered on its key expressions
// until interrupted. With --store it also records them.
package main

import (
	"context"
	"os"

	"pubsub-demo/internal/app"
	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/config"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/node"
	"pubsub-demo/internal/recorder"
	"pubsub-demo/internal/roles"
	"pubsub-demo/internal/storage"

	"go.uber.org/multierr"
)

func main() {
	l := config.NewLoader("subscriber")
	l.StringSlice("key", "subscriber.keys", "key expressions to subscribe to")
	l.String("store", "storage.kind", "record samples: none|memory|sqlite|influx")
	l.String("sqlite_dsn", "storage.sqlite_dsn", "SQLite DSN (store=sqlite)")
	l.String("influx_url", "storage.influx.url", "InfluxDB URL (store=influx)")
	l.String("influx_org", "storage.influx.org", "InfluxDB organization")
	l.String("influx_bucket", "storage.influx.bucket", "InfluxDB bucket")
	l.String("influx_token", "storage.influx.token", "InfluxDB API token")
	l.Int("batch", "recorder.batch", "recorder batch size")
	l.Duration("flush_interval", "recorder.flush_interval", "max time a sample waits before being written")
	l.Int("workers", "recorder.workers", "recorder flush workers")
	cfg := app.LoadConfig("subscriber", l)

	os.Exit(app.Main("subscriber", cfg, func(ctx context.Context, n *node.Node) error {
		return run(ctx, n, cfg)
	}))
}

func run(ctx context.Context, n *node.Node, cfg *config.Config) (err error) {
	sub := roles.SubscriberConfig{KeyExprs: cfg.Subscriber.Keys, Out: os.Stdout}
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return err
	}
	if store == nil {
		return roles.RunSubscriber(ctx, n, sub)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	logging.For("subscriber").Infof("recording samples to %s store", cfg.Storage.Kind)

	rc := recorder.Config{Batch: cfg.Recorder.Batch, FlushInterval: cfg.Recorder.FlushInterval, Workers: cfg.Recorder.Workers}
	return recorder.Record(ctx, store, rc, func(sink bus.SampleHandler) error {
		sub.Sink = sink
		return roles.RunSubscriber(ctx, n, sub)
	})
}

// Command publisher puts an incrementing counter payload on a key expression
// at a fixed interval until interrupted.
package main

import (
	"context"
	"os"

	"pubsub-demo/internal/app"
	"pubsub-demo/internal/config"
	"pubsub-demo/internal/node"
	"pubsub-demo/internal/roles"
)

func main() {
	l := config.NewLoader("publisher")
	l.String("key", "publisher.key", "key expression to publish on")
	l.Duration("interval", "publisher.interval", "pause between puts")
	l.String("format", "publisher.format", "payload format applied to the counter")
	l.Int("count", "publisher.count", "stop after this many puts, 0 runs until interrupted")
	cfg := app.LoadConfig("publisher", l)

	os.Exit(app.Main("publisher", cfg, func(ctx context.Context, n *node.Node) error {
		return roles.RunPublisher(ctx, n, publisherConfig(cfg))
	}))
}

func publisherConfig(cfg *config.Config) roles.PublisherConfig {
	return roles.PublisherConfig{
		KeyExpr:  cfg.Publisher.Key,
		Interval: cfg.Publisher.Interval,
		Format:   cfg.Publisher.Format,
		Count:    cfg.Publisher.Count,
		Out:      os.Stdout,
	}
}

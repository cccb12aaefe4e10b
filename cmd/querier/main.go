// Command querier sends a query at a fixed interval and prints every reply.
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
	l := config.NewLoader("querier")
	l.String("key", "querier.key", "key expression to query")
	l.Duration("timeout", "querier.timeout", "per-query timeout")
	l.Duration("interval", "querier.interval", "pause between queries")
	l.Int("count", "querier.count", "stop after this many queries, 0 runs until interrupted")
	cfg := app.LoadConfig("querier", l)

	os.Exit(app.Main("querier", cfg, func(ctx context.Context, n *node.Node) error {
		return roles.RunRequester(ctx, n, roles.RequesterConfig{
			KeyExpr:  cfg.Querier.Key,
			Timeout:  cfg.Querier.Timeout,
			Interval: cfg.Querier.Interval,
			Count:    cfg.Querier.Count,
			Out:      os.Stdout,
		})
	}))
}

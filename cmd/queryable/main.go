// Command queryable answers every query on its key expression with a fixed
// payload until interrupted.
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
	l := config.NewLoader("queryable")
	l.String("key", "queryable.key", "key expression to answer queries on")
	l.String("reply", "queryable.reply", "reply payload")
	l.Duration("pace", "queryable.pace", "pause after each answered query")
	cfg := app.LoadConfig("queryable", l)

	os.Exit(app.Main("queryable", cfg, func(ctx context.Context, n *node.Node) error {
		return roles.RunResponder(ctx, n, roles.ResponderConfig{
			KeyExpr: cfg.Queryable.Key,
			Reply:   cfg.Queryable.Reply,
			Pace:    cfg.Queryable.Pace,
			Out:     os.Stdout,
		})
	}))
}

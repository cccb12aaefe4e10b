package roles

import (
	"context"
	"fmt"
	"io"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/node"
)

const DefaultSubscriberKey = "vr/1/states"

type SubscriberConfig struct {
	KeyExprs []string
	Out      io.Writer
	// Sink, when set, also receives every sample after it is printed.
	Sink bus.SampleHandler
	// Ready, when set, is called once every subscriber is declared.
	Ready func()
}

// RunSubscriber declares one subscriber per key expression and prints every
// delivered sample until ctx is done.
func RunSubscriber(ctx context.Context, n *node.Node, cfg SubscriberConfig) error {
	keys := cfg.KeyExprs
	if len(keys) == 0 {
		keys = []string{DefaultSubscriberKey}
	}
	out := newConsole(cfg.Out)
	log := logging.For("subscriber")

	for _, ke := range keys {
		ke := ke
		err := n.CreateSubscriber(ctx, ke, func(s bus.Sample) {
			metricReceived.WithLabelValues(ke).Inc()
			fmt.Fprintf(out, "Received on %s: %s\n", s.KeyExpr, s.Payload)
			if cfg.Sink != nil {
				cfg.Sink(s)
			}
		})
		if err != nil {
			return err
		}
		log.WithField("key", ke).Info("subscribed")
	}
	if cfg.Ready != nil {
		cfg.Ready()
	}
	<-ctx.Done()
	return nil
}

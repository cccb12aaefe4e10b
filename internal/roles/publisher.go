package roles

import (
	"context"
	"fmt"
	"io"
	"time"

	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/node"
)

const (
	DefaultPublisherKey    = "vr/1/cmd"
	DefaultPublishInterval = time.Second
	DefaultPayloadFormat   = "dummy-message-%d"
)

type PublisherConfig struct {
	KeyExpr  string
	Interval time.Duration
	// Format is applied to the send counter, starting at 0.
	Format string
	// Count stops the loop after that many sends when positive.
	Count int
	Out   io.Writer
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.KeyExpr == "" {
		c.KeyExpr = DefaultPublisherKey
	}
	if c.Interval <= 0 {
		c.Interval = DefaultPublishInterval
	}
	if c.Format == "" {
		c.Format = DefaultPayloadFormat
	}
	return c
}

// RunPublisher declares a publisher and puts one counter payload per interval.
// A failed put ends the loop with an error.
func RunPublisher(ctx context.Context, n *node.Node, cfg PublisherConfig) error {
	cfg = cfg.withDefaults()
	out := newConsole(cfg.Out)
	log := logging.For("publisher").WithField("key", cfg.KeyExpr)

	if err := n.CreatePublisher(ctx, cfg.KeyExpr); err != nil {
		return err
	}
	log.Infof("publishing every %s", cfg.Interval)

	for i := 0; cfg.Count <= 0 || i < cfg.Count; i++ {
		if ctx.Err() != nil {
			return nil
		}
		payload := fmt.Sprintf(cfg.Format, i)
		if err := n.Publish(ctx, cfg.KeyExpr, []byte(payload)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("put %q: %w", cfg.KeyExpr, err)
		}
		metricPublished.Inc()
		fmt.Fprintf(out, "Published: %s\n", payload)
		if cfg.Count > 0 && i == cfg.Count-1 {
			break
		}
		if !sleep(ctx, cfg.Interval) {
			return nil
		}
	}
	log.Infof("sent %d samples", cfg.Count)
	return nil
}

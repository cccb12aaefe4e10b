package roles

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/keyexpr"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/node"
)

const (
	DefaultQueryTimeout  = 3 * time.Second
	DefaultQueryInterval = time.Second
)

type RequesterConfig struct {
	// KeyExpr may be a selector; its parameters are sent with every query
	// ahead of seq=<n>.
	KeyExpr  string
	Timeout  time.Duration
	Interval time.Duration
	// Count stops the loop after that many queries when positive; the loop
	// then waits for their replies before returning.
	Count int
	Out   io.Writer
}

func (c RequesterConfig) withDefaults() RequesterConfig {
	if c.KeyExpr == "" {
		c.KeyExpr = DefaultQueryKey
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultQueryTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultQueryInterval
	}
	return c
}

// RunRequester declares a querier and issues one query per interval with a
// seq=<n> parameter. Replies print as they arrive; queries may overlap. A
// failed or timed-out query prints as an error reply and the loop goes on.
func RunRequester(ctx context.Context, n *node.Node, cfg RequesterConfig) error {
	cfg = cfg.withDefaults()
	out := newConsole(cfg.Out)
	ke, fixed := keyexpr.SplitSelector(cfg.KeyExpr)
	log := logging.For("requester").WithField("key", ke)

	q, err := n.CreateQuerier(ctx, ke, bus.QuerierOptions{Timeout: cfg.Timeout})
	if err != nil {
		return err
	}
	log.Infof("querying every %s, timeout %s", cfg.Interval, cfg.Timeout)

	var outstanding sync.WaitGroup
	for i := 0; cfg.Count <= 0 || i < cfg.Count; i++ {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprintf(out, "Sending query #%d\n", i)
		start := time.Now()
		params := fmt.Sprintf("seq=%d", i)
		if fixed != "" {
			params = fixed + "&" + params
		}
		done, err := q.Get(ctx, bus.GetOptions{Parameters: params}, func(r bus.Reply) {
			printReply(out, r)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("get %q: %w", ke, err)
		}
		metricQueriesSent.Inc()
		outstanding.Add(1)
		go func() {
			defer outstanding.Done()
			<-done
			metricQueryLatency.Observe(time.Since(start).Seconds())
		}()
		if cfg.Count > 0 && i == cfg.Count-1 {
			break
		}
		if !sleep(ctx, cfg.Interval) {
			return nil
		}
	}
	outstanding.Wait()
	return nil
}

func printReply(w io.Writer, r bus.Reply) {
	if r.OK() {
		metricReplies.WithLabelValues("ok").Inc()
		fmt.Fprintf(w, "Got reply: %s => %s\n", r.Sample.KeyExpr, r.Sample.Payload)
		return
	}
	metricReplies.WithLabelValues("error").Inc()
	fmt.Fprintf(w, "Error reply: %s\n", r.Err)
}

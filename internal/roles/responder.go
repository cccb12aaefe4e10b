package roles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/node"

	"github.com/sirupsen/logrus"
)

const (
	DefaultQueryKey      = "demo/hello"
	DefaultReply         = "Hello from srv!"
	DefaultResponderPace = 100 * time.Millisecond
)

var errShuttingDown = errors.New("shutting down")

// Answer builds the success reply for a query: the key to reply on and the
// payload. A returned error is sent back as an error reply instead.
type Answer func(q bus.Query) (keyExpr string, payload []byte, err error)

// Echo answers every query on its own key expression with a fixed payload.
func Echo(payload string) Answer {
	return func(q bus.Query) (string, []byte, error) {
		return q.KeyExpr(), []byte(payload), nil
	}
}

type ResponderConfig struct {
	KeyExpr string
	// Reply is the payload of the default Echo answer.
	Reply  string
	Answer Answer
	Pace   time.Duration
	// Backlog bounds queries received but not yet answered.
	Backlog int
	Out     io.Writer
	// Ready, when set, is called once the queryable is declared.
	Ready func()
}

func (c ResponderConfig) withDefaults() ResponderConfig {
	if c.KeyExpr == "" {
		c.KeyExpr = DefaultQueryKey
	}
	if c.Reply == "" {
		c.Reply = DefaultReply
	}
	if c.Answer == nil {
		c.Answer = Echo(c.Reply)
	}
	if c.Pace <= 0 {
		c.Pace = DefaultResponderPace
	}
	if c.Backlog <= 0 {
		c.Backlog = 64
	}
	return c
}

// RunResponder declares a queryable and answers queries one at a time,
// pausing Pace after each. Every query is dropped exactly once, including
// those still queued when ctx is done, which get a "shutting down" error reply.
func RunResponder(ctx context.Context, n *node.Node, cfg ResponderConfig) error {
	cfg = cfg.withDefaults()
	log := logging.For("responder").WithField("key", cfg.KeyExpr)

	queries := make(chan bus.Query, cfg.Backlog)
	err := n.CreateQueryable(ctx, cfg.KeyExpr, func(q bus.Query) {
		if ctx.Err() == nil {
			select {
			case queries <- q:
				return
			case <-ctx.Done():
			}
		}
		refuse(q, log)
	})
	if err != nil {
		return err
	}
	log.Info("serving queries")
	if cfg.Ready != nil {
		cfg.Ready()
	}

	return serveQueries(ctx, n, cfg, queries, newConsole(cfg.Out), log)
}

// serveQueries answers queued queries until ctx is done. It then undeclares
// the queryable and refuses whatever is still queued, including a query
// picked up after ctx ended.
func serveQueries(ctx context.Context, n *node.Node, cfg ResponderConfig, queries chan bus.Query, out io.Writer, log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return stopServing(n, cfg.KeyExpr, queries, log)
		case q := <-queries:
			if ctx.Err() != nil {
				refuse(q, log)
				return stopServing(n, cfg.KeyExpr, queries, log)
			}
			fmt.Fprintf(out, "Received query: selector=%s, payload=%s\n", q.Selector(), q.Payload())
			if err := answer(q, cfg.Answer); err != nil {
				log.Warnf("answer %s: %v", q.Selector(), err)
			}
			sleep(ctx, cfg.Pace)
		}
	}
}

func stopServing(n *node.Node, ke string, queries chan bus.Query, log *logrus.Entry) error {
	// Undeclaring waits for a running handler, so nothing is queued after
	// the drain below.
	if err := n.RemoveQueryable(ke); err != nil {
		log.Warnf("undeclare: %v", err)
	}
	for {
		select {
		case q := <-queries:
			refuse(q, log)
		default:
			return nil
		}
	}
}

// answer replies to q with a, converting an error or panic from a or from
// the reply itself into an error reply. q is dropped exactly once.
func answer(q bus.Query, a Answer) (err error) {
	defer func() {
		if dropErr := q.Drop(); dropErr != nil && err == nil {
			err = dropErr
		}
	}()
	replyErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		ke, payload, err := a(q)
		if err != nil {
			return err
		}
		return q.Reply(ke, payload)
	}()
	if replyErr == nil {
		metricAnswered.WithLabelValues("ok").Inc()
		return nil
	}
	metricAnswered.WithLabelValues("error").Inc()
	return q.ReplyErr([]byte(replyErr.Error()))
}

func refuse(q bus.Query, log *logrus.Entry) {
	metricAnswered.WithLabelValues("refused").Inc()
	if err := q.ReplyErr([]byte(errShuttingDown.Error())); err != nil {
		log.Warnf("refuse %s: %v", q.Selector(), err)
	}
	if err := q.Drop(); err != nil {
		log.Warnf("drop %s: %v", q.Selector(), err)
	}
}

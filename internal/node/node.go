// Package node owns the registrations one process makes on a bus session,
// keyed by key expression.
package node

import (
	"context"
	"fmt"
	"sync"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var metricRegistrations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: metrics.Namespace,
	Subsystem: "node",
	Name:      "registrations",
	Help:      "Registrations currently held by nodes, by kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(metricRegistrations)
}

// Node is a named owner of registrations over one session. Creating a
// registration for a key that already has one is a no-op.
type Node struct {
	sess bus.Session
	log  *logrus.Entry

	mu          sync.Mutex
	publishers  map[string]bus.Publisher
	subscribers map[string]bus.Subscriber
	queryables  map[string]bus.Queryable
	queriers    map[string]bus.Querier
	shut        bool
}

func New(name string, sess bus.Session) *Node {
	return &Node{
		sess:        sess,
		log:         logging.For("node").WithField("node", name),
		publishers:  make(map[string]bus.Publisher),
		subscribers: make(map[string]bus.Subscriber),
		queryables:  make(map[string]bus.Queryable),
		queriers:    make(map[string]bus.Querier),
	}
}

func (n *Node) HasPublisher(ke string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.publishers[ke]
	return ok
}

func (n *Node) CreatePublisher(ctx context.Context, ke string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.publisherLocked(ctx, ke)
	return err
}

func (n *Node) publisherLocked(ctx context.Context, ke string) (bus.Publisher, error) {
	if n.shut {
		return nil, bus.ErrClosed
	}
	if p, ok := n.publishers[ke]; ok {
		return p, nil
	}
	p, err := n.sess.DeclarePublisher(ctx, ke)
	if err != nil {
		return nil, fmt.Errorf("declare publisher %q: %w", ke, err)
	}
	n.publishers[ke] = p
	metricRegistrations.WithLabelValues("publisher").Inc()
	n.log.Debugf("publisher declared on %s", ke)
	return p, nil
}

// Publish puts payload on ke, declaring the publisher on first use.
func (n *Node) Publish(ctx context.Context, ke string, payload []byte) error {
	n.mu.Lock()
	p, err := n.publisherLocked(ctx, ke)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if err := p.Put(ctx, payload); err != nil {
		return fmt.Errorf("put %q: %w", ke, err)
	}
	return nil
}

func (n *Node) RemovePublisher(ke string) error {
	n.mu.Lock()
	p, ok := n.publishers[ke]
	delete(n.publishers, ke)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	metricRegistrations.WithLabelValues("publisher").Dec()
	return p.Undeclare()
}

func (n *Node) HasSubscriber(ke string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.subscribers[ke]
	return ok
}

func (n *Node) CreateSubscriber(ctx context.Context, ke string, handler bus.SampleHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shut {
		return bus.ErrClosed
	}
	if _, ok := n.subscribers[ke]; ok {
		return nil
	}
	s, err := n.sess.DeclareSubscriber(ctx, ke, handler)
	if err != nil {
		return fmt.Errorf("declare subscriber %q: %w", ke, err)
	}
	n.subscribers[ke] = s
	metricRegistrations.WithLabelValues("subscriber").Inc()
	n.log.Debugf("subscriber declared on %s", ke)
	return nil
}

func (n *Node) RemoveSubscriber(ke string) error {
	n.mu.Lock()
	s, ok := n.subscribers[ke]
	delete(n.subscribers, ke)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	metricRegistrations.WithLabelValues("subscriber").Dec()
	return s.Undeclare()
}

func (n *Node) HasQueryable(ke string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.queryables[ke]
	return ok
}

func (n *Node) CreateQueryable(ctx context.Context, ke string, handler bus.QueryHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shut {
		return bus.ErrClosed
	}
	if _, ok := n.queryables[ke]; ok {
		return nil
	}
	q, err := n.sess.DeclareQueryable(ctx, ke, handler)
	if err != nil {
		return fmt.Errorf("declare queryable %q: %w", ke, err)
	}
	n.queryables[ke] = q
	metricRegistrations.WithLabelValues("queryable").Inc()
	n.log.Debugf("queryable declared on %s", ke)
	return nil
}

func (n *Node) RemoveQueryable(ke string) error {
	n.mu.Lock()
	q, ok := n.queryables[ke]
	delete(n.queryables, ke)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	metricRegistrations.WithLabelValues("queryable").Dec()
	return q.Undeclare()
}

func (n *Node) CreateQuerier(ctx context.Context, ke string, opts bus.QuerierOptions) (bus.Querier, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shut {
		return nil, bus.ErrClosed
	}
	if q, ok := n.queriers[ke]; ok {
		return q, nil
	}
	q, err := n.sess.DeclareQuerier(ctx, ke, opts)
	if err != nil {
		return nil, fmt.Errorf("declare querier %q: %w", ke, err)
	}
	n.queriers[ke] = q
	metricRegistrations.WithLabelValues("querier").Inc()
	n.log.Debugf("querier declared on %s", ke)
	return q, nil
}

func (n *Node) RemoveQuerier(ke string) error {
	n.mu.Lock()
	q, ok := n.queriers[ke]
	delete(n.queriers, ke)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	metricRegistrations.WithLabelValues("querier").Dec()
	return q.Undeclare()
}

type releaser interface{ Undeclare() error }

// Shutdown releases subscribers, queryables, queriers and then publishers.
// Every release is attempted; their errors are combined. The session itself
// stays open. Later Create calls fail with bus.ErrClosed.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.shut {
		n.mu.Unlock()
		return nil
	}
	n.shut = true
	groups := []struct {
		kind string
		regs []releaser
	}{
		{"subscriber", drain(n.subscribers)},
		{"queryable", drain(n.queryables)},
		{"querier", drain(n.queriers)},
		{"publisher", drain(n.publishers)},
	}
	n.mu.Unlock()

	var err error
	for _, g := range groups {
		for _, r := range g.regs {
			metricRegistrations.WithLabelValues(g.kind).Dec()
			err = multierr.Append(err, r.Undeclare())
		}
	}
	if err != nil {
		n.log.Warnf("shutdown: %v", err)
	}
	return err
}

func drain[T releaser](m map[string]T) []releaser {
	out := make([]releaser, 0, len(m))
	for k, v := range m {
		out = append(out, v)
		delete(m, k)
	}
	return out
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/metrics"
	"pubsub-demo/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server exposes a bus.Router over wire session streams. Each stream gets its
// own router session; every declaration, put and query on the stream is
// mapped onto that session.
type Server struct {
	router  *bus.Router
	sendBuf int
	log     *logrus.Entry
}

var (
	metricSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "broker",
		Name:      "sessions",
		Help:      "Current number of client sessions.",
	})
	metricFramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "broker",
		Name:      "frames_received_total",
		Help:      "Frames received from clients by kind.",
	}, []string{"kind"})
	metricFramesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "broker",
		Name:      "frames_sent_total",
		Help:      "Frames sent to clients by kind.",
	}, []string{"kind"})
	metricDeclareErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "broker",
		Name:      "declare_errors_total",
		Help:      "Declarations rejected by the router.",
	})
	metricHeldQueries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "broker",
		Name:      "held_queries",
		Help:      "Queries delivered to clients and not yet finalized.",
	})
)

func init() {
	prometheus.MustRegister(metricSessions, metricFramesIn, metricFramesOut, metricDeclareErrors, metricHeldQueries)
}

func NewServer(router *bus.Router, sendBuf int) *Server {
	if sendBuf <= 0 {
		sendBuf = 256
	}
	return &Server{router: router, sendBuf: sendBuf, log: logging.For("broker")}
}

// Session serves one client stream. The first frame must be HELLO; the
// router answers with HELLO carrying the session id.
func (s *Server) Session(stream wire.Stream) error {
	hello, err := stream.Recv()
	if err != nil {
		return err
	}
	if hello.Kind != wire.KindHello {
		return status.Errorf(codes.InvalidArgument, "expected HELLO, got %s", hello.Kind)
	}
	sess, err := s.router.Open()
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}

	ctx, cancel := context.WithCancel(stream.Context())
	c := &conn{
		ctx:      ctx,
		cancel:   cancel,
		stream:   stream,
		sess:     sess,
		out:      make(chan *wire.Frame, s.sendBuf),
		sendDone: make(chan struct{}),
		decls:    make(map[uint64]*declared),
		held:     make(map[uint64]bus.Query),
		log:      s.log.WithField("session", sess.ID()),
	}
	metricSessions.Inc()
	c.log.Infof("session opened peer=%s", hello.Session)
	defer func() {
		c.close()
		metricSessions.Dec()
		c.log.Info("session closed")
	}()

	go c.sendLoop()
	c.emit(&wire.Frame{Kind: wire.KindHello, Session: sess.ID()})

	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		metricFramesIn.WithLabelValues(f.Kind.String()).Inc()
		if f.Kind == wire.KindClose {
			return nil
		}
		c.handle(f)
	}
}

type declared struct {
	kind      wire.DeclKind
	publisher bus.Publisher
	querier   bus.Querier
	undeclare func() error
}

type conn struct {
	ctx      context.Context
	cancel   context.CancelFunc
	stream   wire.Stream
	sess     bus.Session
	out      chan *wire.Frame
	sendDone chan struct{}
	log      *logrus.Entry

	nextQuery atomic.Uint64

	mu     sync.Mutex
	decls  map[uint64]*declared
	held   map[uint64]bus.Query
	closed bool
}

// sendLoop is the only writer on the stream.
func (c *conn) sendLoop() {
	defer close(c.sendDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			if err := c.stream.Send(f); err != nil {
				c.log.Warnf("send %s: %v", f.Kind, err)
				c.cancel()
				return
			}
			metricFramesOut.WithLabelValues(f.Kind.String()).Inc()
		}
	}
}

// emit queues f for sending. It blocks while the send buffer is full and
// reports false once the session is going away.
func (c *conn) emit(f *wire.Frame) bool {
	select {
	case c.out <- f:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *conn) handle(f *wire.Frame) {
	switch f.Kind {
	case wire.KindDeclare:
		ack := &wire.Frame{Kind: wire.KindDeclareAck, ID: f.ID}
		if err := c.declare(f); err != nil {
			metricDeclareErrors.Inc()
			c.log.Warnf("declare %s %q id=%d: %v", f.DeclKind, f.KeyExpr, f.ID, err)
			ack.Error = err.Error()
		}
		c.emit(ack)
	case wire.KindUndeclare:
		if err := c.undeclare(f.ID); err != nil {
			c.log.Warnf("undeclare id=%d: %v", f.ID, err)
		}
	case wire.KindPut:
		d := c.lookup(f.ID, wire.DeclPublisher)
		if d == nil {
			c.log.Warnf("put on unknown publisher id=%d", f.ID)
			return
		}
		if err := d.publisher.Put(c.ctx, f.Payload); err != nil {
			c.log.Warnf("put %q: %v", d.publisher.KeyExpr(), err)
		}
	case wire.KindGet:
		c.get(f)
	case wire.KindReply, wire.KindReplyErr, wire.KindReplyFinal:
		c.answer(f)
	default:
		c.log.Warnf("unexpected frame %s", f.Kind)
	}
}

func (c *conn) declare(f *wire.Frame) error {
	c.mu.Lock()
	_, dup := c.decls[f.ID]
	c.mu.Unlock()
	if dup {
		return fmt.Errorf("declaration id %d already in use", f.ID)
	}

	id := f.ID
	d := &declared{kind: f.DeclKind}
	switch f.DeclKind {
	case wire.DeclPublisher:
		p, err := c.sess.DeclarePublisher(c.ctx, f.KeyExpr)
		if err != nil {
			return err
		}
		d.publisher, d.undeclare = p, p.Undeclare
	case wire.DeclSubscriber:
		sub, err := c.sess.DeclareSubscriber(c.ctx, f.KeyExpr, func(s bus.Sample) {
			c.emit(&wire.Frame{Kind: wire.KindSample, ID: id, KeyExpr: s.KeyExpr, Payload: s.Payload, Timestamp: s.Timestamp})
		})
		if err != nil {
			return err
		}
		d.undeclare = sub.Undeclare
	case wire.DeclQueryable:
		q, err := c.sess.DeclareQueryable(c.ctx, f.KeyExpr, func(q bus.Query) { c.deliverQuery(id, q) })
		if err != nil {
			return err
		}
		d.undeclare = q.Undeclare
	case wire.DeclQuerier:
		timeout := time.Duration(f.TimeoutMs) * time.Millisecond
		q, err := c.sess.DeclareQuerier(c.ctx, f.KeyExpr, bus.QuerierOptions{Timeout: timeout})
		if err != nil {
			return err
		}
		d.querier, d.undeclare = q, q.Undeclare
	default:
		return fmt.Errorf("unknown declaration kind %s", f.DeclKind)
	}

	c.mu.Lock()
	c.decls[id] = d
	c.mu.Unlock()
	return nil
}

func (c *conn) undeclare(id uint64) error {
	c.mu.Lock()
	d, ok := c.decls[id]
	delete(c.decls, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return d.undeclare()
}

func (c *conn) lookup(id uint64, kind wire.DeclKind) *declared {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.decls[id]
	if d == nil || d.kind != kind {
		return nil
	}
	return d
}

// deliverQuery hands a routed query to the client's queryable and keeps it
// until the client finalizes it.
func (c *conn) deliverQuery(queryable uint64, q bus.Query) {
	qid := c.nextQuery.Add(1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = q.Drop()
		return
	}
	c.held[qid] = q
	c.mu.Unlock()
	metricHeldQueries.Inc()

	ok := c.emit(&wire.Frame{
		Kind:       wire.KindQuery,
		ID:         queryable,
		QueryID:    qid,
		KeyExpr:    q.KeyExpr(),
		Parameters: q.Parameters(),
		Payload:    q.Payload(),
	})
	if !ok {
		c.finalize(qid)
	}
}

func (c *conn) finalize(qid uint64) {
	c.mu.Lock()
	q, ok := c.held[qid]
	delete(c.held, qid)
	c.mu.Unlock()
	if !ok {
		return
	}
	metricHeldQueries.Dec()
	_ = q.Drop()
}

func (c *conn) answer(f *wire.Frame) {
	if f.Kind == wire.KindReplyFinal {
		c.finalize(f.QueryID)
		return
	}
	c.mu.Lock()
	q, ok := c.held[f.QueryID]
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("%s for finished query %d", f.Kind, f.QueryID)
		return
	}
	var err error
	if f.Kind == wire.KindReply {
		err = q.Reply(f.KeyExpr, f.Payload)
	} else {
		err = q.ReplyErr(f.Payload)
	}
	if err != nil {
		c.log.Warnf("%s for query %d: %v", f.Kind, f.QueryID, err)
	}
}

func (c *conn) get(f *wire.Frame) {
	qid := f.QueryID
	d := c.lookup(f.ID, wire.DeclQuerier)
	if d == nil {
		c.emit(&wire.Frame{Kind: wire.KindReplyErr, QueryID: qid, Payload: []byte("unknown querier")})
		c.emit(&wire.Frame{Kind: wire.KindQueryDone, QueryID: qid})
		return
	}
	done, err := d.querier.Get(c.ctx, bus.GetOptions{Parameters: f.Parameters, Payload: f.Payload}, func(r bus.Reply) {
		if r.OK() {
			c.emit(&wire.Frame{Kind: wire.KindReply, QueryID: qid, KeyExpr: r.Sample.KeyExpr, Payload: r.Sample.Payload, Timestamp: r.Sample.Timestamp})
			return
		}
		c.emit(&wire.Frame{Kind: wire.KindReplyErr, QueryID: qid, Payload: r.Err})
	})
	if err != nil {
		c.emit(&wire.Frame{Kind: wire.KindReplyErr, QueryID: qid, Payload: []byte(err.Error())})
		c.emit(&wire.Frame{Kind: wire.KindQueryDone, QueryID: qid})
		return
	}
	go func() {
		select {
		case <-done:
			c.emit(&wire.Frame{Kind: wire.KindQueryDone, QueryID: qid})
		case <-c.ctx.Done():
		}
	}()
}

// close drops the queries the client still holds and closes the router
// session, which releases every declaration made on the stream.
func (c *conn) close() {
	c.cancel()

	c.mu.Lock()
	c.closed = true
	held := c.held
	c.held = make(map[uint64]bus.Query)
	c.decls = make(map[uint64]*declared)
	c.mu.Unlock()

	for range held {
		metricHeldQueries.Dec()
	}
	for _, q := range held {
		_ = q.Drop()
	}
	if err := c.sess.Close(); err != nil {
		c.log.Warnf("close session: %v", err)
	}
	<-c.sendDone
}

// Package grpcbus is a bus.Session that talks to the router daemon over a
// single gRPC session stream.
package grpcbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/keyexpr"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/wire"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultAddr is where the router daemon listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:7447"

// replyGrace lets the router's own timeout reply arrive before the local
// timer fires.
const replyGrace = 500 * time.Millisecond

type Options struct {
	Addr        string
	DialOptions []grpc.DialOption
	// MailboxSize bounds per-registration delivery buffers. Default: 256.
	MailboxSize int
}

// Dial connects to the router at opts.Addr and opens a session. Closing the
// session closes the connection.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	dopts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts.DialOptions...)
	cc, err := grpc.NewClient(addr, dopts...)
	if err != nil {
		return nil, fmt.Errorf("grpcbus: dial %s: %w", addr, err)
	}
	s, err := Open(ctx, cc, opts)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	s.conn = cc
	return s, nil
}

// Open starts a session stream on an existing connection. It returns once
// the router has acknowledged the session or ctx is done.
func Open(ctx context.Context, cc grpc.ClientConnInterface, opts Options) (*Session, error) {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	local := uuid.NewString()
	type helloResult struct {
		stream wire.ClientStream
		f      *wire.Frame
		err    error
	}
	res := make(chan helloResult, 1)
	go func() {
		stream, err := wire.OpenSession(streamCtx, cc)
		if err != nil {
			res <- helloResult{err: err}
			return
		}
		if err := stream.Send(&wire.Frame{Kind: wire.KindHello, Session: local}); err != nil {
			res <- helloResult{err: err}
			return
		}
		f, err := stream.Recv()
		res <- helloResult{stream: stream, f: f, err: err}
	}()

	var (
		stream wire.ClientStream
		hello  *wire.Frame
	)
	select {
	case r := <-res:
		if r.err != nil {
			cancel()
			return nil, fmt.Errorf("grpcbus: open session: %w", r.err)
		}
		stream, hello = r.stream, r.f
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("grpcbus: open session: %w", ctx.Err())
	}
	if hello.Kind != wire.KindHello || hello.Session == "" {
		cancel()
		return nil, fmt.Errorf("grpcbus: open session: unexpected %s", hello.Kind)
	}

	s := &Session{
		id:       hello.Session,
		opts:     opts,
		stream:   stream,
		cancel:   cancel,
		tracker:  bus.NewQueryTracker(),
		regs:     make(map[uint64]*registration),
		acks:     make(map[uint64]chan string),
		recvDone: make(chan struct{}),
		log:      logging.For("grpcbus").WithField("session", hello.Session),
	}
	go s.recvLoop()
	return s, nil
}

// Session is one router session.
type Session struct {
	id      string
	opts    Options
	stream  wire.ClientStream
	cancel  context.CancelFunc
	conn    *grpc.ClientConn
	tracker *bus.QueryTracker
	log     *logrus.Entry

	nextID   atomic.Uint64
	sendMu   sync.Mutex
	recvDone chan struct{}

	mu     sync.Mutex
	regs   map[uint64]*registration
	acks   map[uint64]chan string
	closed bool
	broken error
}

type registration struct {
	id       uint64
	kind     wire.DeclKind
	keyExpr  string
	onSample bus.SampleHandler
	onQuery  bus.QueryHandler
	box      *bus.Mailbox
	timeout  time.Duration
}

func (s *Session) ID() string { return s.id }

func (s *Session) send(f *wire.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.stream.Send(f); err != nil {
		return fmt.Errorf("grpcbus: send %s: %w", f.Kind, err)
	}
	return nil
}

func (s *Session) recvLoop() {
	defer close(s.recvDone)
	for {
		f, err := s.stream.Recv()
		if err != nil {
			s.fail(err)
			return
		}
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f *wire.Frame) {
	switch f.Kind {
	case wire.KindDeclareAck:
		s.mu.Lock()
		ch := s.acks[f.ID]
		delete(s.acks, f.ID)
		s.mu.Unlock()
		if ch != nil {
			ch <- f.Error
		}
	case wire.KindSample:
		r := s.registration(f.ID)
		if r == nil || r.onSample == nil {
			return
		}
		sample := bus.Sample{KeyExpr: f.KeyExpr, Payload: f.Payload, Timestamp: f.Timestamp}
		_ = r.box.Post(context.Background(), func() { r.onSample(sample) }, nil)
	case wire.KindQuery:
		qid := f.QueryID
		r := s.registration(f.ID)
		if r == nil || r.onQuery == nil {
			_ = s.send(&wire.Frame{Kind: wire.KindReplyFinal, QueryID: qid})
			return
		}
		q := bus.NewQuery(bus.QueryInfo{KeyExpr: f.KeyExpr, Parameters: f.Parameters, Payload: f.Payload}, &responder{s: s, qid: qid})
		if err := r.box.Post(context.Background(), func() { r.onQuery(q) }, func() { _ = q.Drop() }); err != nil {
			_ = q.Drop()
		}
	case wire.KindReply:
		s.tracker.Deliver(f.QueryID, bus.Reply{Sample: &bus.Sample{KeyExpr: f.KeyExpr, Payload: f.Payload, Timestamp: f.Timestamp}})
	case wire.KindReplyErr:
		s.tracker.Deliver(f.QueryID, bus.Reply{Err: f.Payload})
	case wire.KindQueryDone:
		s.tracker.Finish(f.QueryID)
	default:
		s.log.Warnf("unexpected frame %s", f.Kind)
	}
}

// fail marks the stream broken and completes everything waiting on it.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.broken == nil {
		s.broken = err
	}
	closing := s.closed
	acks := s.acks
	s.acks = make(map[uint64]chan string)
	s.mu.Unlock()

	if !closing {
		s.log.Warnf("stream lost: %v", err)
	}
	for _, ch := range acks {
		ch <- bus.ErrClosed.Error()
	}
	s.tracker.FailAll(bus.ErrClosed)
}

func (s *Session) registration(id uint64) *registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[id]
}

func (s *Session) declare(ctx context.Context, r *registration) error {
	if err := keyexpr.Validate(r.keyExpr); err != nil {
		return err
	}
	r.id = s.nextID.Add(1)
	ack := make(chan string, 1)

	s.mu.Lock()
	if s.closed || s.broken != nil {
		s.mu.Unlock()
		return bus.ErrClosed
	}
	s.regs[r.id] = r
	s.acks[r.id] = ack
	s.mu.Unlock()

	f := &wire.Frame{Kind: wire.KindDeclare, ID: r.id, DeclKind: r.kind, KeyExpr: r.keyExpr, TimeoutMs: r.timeout.Milliseconds()}
	if err := s.send(f); err != nil {
		s.forget(r.id)
		return err
	}
	select {
	case msg := <-ack:
		if msg != "" {
			s.forget(r.id)
			return fmt.Errorf("grpcbus: declare %s %q: %s", r.kind, r.keyExpr, msg)
		}
		return nil
	case <-ctx.Done():
		s.forget(r.id)
		_ = s.send(&wire.Frame{Kind: wire.KindUndeclare, ID: r.id})
		return ctx.Err()
	}
}

func (s *Session) forget(id uint64) *registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.regs[id]
	delete(s.regs, id)
	delete(s.acks, id)
	return r
}

func (s *Session) undeclare(id uint64) error {
	r := s.forget(id)
	if r == nil {
		return nil
	}
	var err error
	if s.usable() {
		err = s.send(&wire.Frame{Kind: wire.KindUndeclare, ID: id})
	}
	if r.box != nil {
		r.box.Close()
	}
	return err
}

func (s *Session) usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken == nil
}

func (s *Session) DeclarePublisher(ctx context.Context, ke string) (bus.Publisher, error) {
	r := &registration{kind: wire.DeclPublisher, keyExpr: ke}
	if err := s.declare(ctx, r); err != nil {
		return nil, err
	}
	return &publisher{handle{s: s, r: r}}, nil
}

func (s *Session) DeclareSubscriber(ctx context.Context, ke string, handler bus.SampleHandler) (bus.Subscriber, error) {
	if handler == nil {
		return nil, fmt.Errorf("grpcbus: declare subscriber %q: nil handler", ke)
	}
	r := &registration{kind: wire.DeclSubscriber, keyExpr: ke, onSample: handler, box: bus.NewMailbox(s.opts.MailboxSize)}
	if err := s.declare(ctx, r); err != nil {
		r.box.Close()
		return nil, err
	}
	return &handle{s: s, r: r}, nil
}

func (s *Session) DeclareQueryable(ctx context.Context, ke string, handler bus.QueryHandler) (bus.Queryable, error) {
	if handler == nil {
		return nil, fmt.Errorf("grpcbus: declare queryable %q: nil handler", ke)
	}
	r := &registration{kind: wire.DeclQueryable, keyExpr: ke, onQuery: handler, box: bus.NewMailbox(s.opts.MailboxSize)}
	if err := s.declare(ctx, r); err != nil {
		r.box.Close()
		return nil, err
	}
	return &handle{s: s, r: r}, nil
}

func (s *Session) DeclareQuerier(ctx context.Context, ke string, opts bus.QuerierOptions) (bus.Querier, error) {
	r := &registration{kind: wire.DeclQuerier, keyExpr: ke, timeout: bus.QueryTimeout(opts)}
	if err := s.declare(ctx, r); err != nil {
		return nil, err
	}
	return &querier{handle{s: s, r: r}}, nil
}

// Close releases every registration still declared (subscribers and
// queryables first), fails pending queries and ends the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	regs := make([]*registration, 0, len(s.regs))
	for _, r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	sort.Slice(regs, func(i, j int) bool { return releaseRank(regs[i].kind) < releaseRank(regs[j].kind) })
	var err error
	for _, r := range regs {
		err = multierr.Append(err, s.undeclare(r.id))
	}
	s.tracker.FailAll(bus.ErrClosed)

	if s.usable() {
		err = multierr.Append(err, s.send(&wire.Frame{Kind: wire.KindClose}))
		s.sendMu.Lock()
		_ = s.stream.CloseSend()
		s.sendMu.Unlock()
	}
	select {
	case <-s.recvDone:
	case <-time.After(2 * time.Second):
	}
	s.cancel()
	<-s.recvDone
	if s.conn != nil {
		err = multierr.Append(err, s.conn.Close())
	}
	return err
}

func releaseRank(k wire.DeclKind) int {
	switch k {
	case wire.DeclSubscriber:
		return 0
	case wire.DeclQueryable:
		return 1
	case wire.DeclQuerier:
		return 2
	}
	return 3
}

type handle struct {
	s *Session
	r *registration
}

func (h *handle) KeyExpr() string  { return h.r.keyExpr }
func (h *handle) Undeclare() error { return h.s.undeclare(h.r.id) }

func (h *handle) live() error {
	if h.s.registration(h.r.id) == nil {
		return bus.ErrClosed
	}
	return nil
}

type publisher struct{ handle }

func (p *publisher) Put(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.live(); err != nil {
		return err
	}
	if payload == nil {
		payload = []byte{}
	}
	return p.s.send(&wire.Frame{Kind: wire.KindPut, ID: p.r.id, Payload: payload})
}

type querier struct{ handle }

func (q *querier) Get(ctx context.Context, opts bus.GetOptions, handler bus.ReplyHandler) (<-chan struct{}, error) {
	if handler == nil {
		return nil, fmt.Errorf("grpcbus: get %q: nil handler", q.r.keyExpr)
	}
	if err := q.live(); err != nil {
		return nil, err
	}
	qid, done := q.s.tracker.Start(ctx, q.r.timeout+replyGrace, handler)
	f := &wire.Frame{Kind: wire.KindGet, ID: q.r.id, QueryID: qid, Parameters: opts.Parameters, Payload: opts.Payload}
	if err := q.s.send(f); err != nil {
		q.s.tracker.Fail(qid, err)
	}
	return done, nil
}

// responder answers a query the router delivered to one of our queryables.
type responder struct {
	s   *Session
	qid uint64
}

func (r *responder) SendReply(ke string, payload []byte) error {
	return r.s.send(&wire.Frame{Kind: wire.KindReply, QueryID: r.qid, KeyExpr: ke, Payload: payload})
}

func (r *responder) SendError(payload []byte) error {
	return r.s.send(&wire.Frame{Kind: wire.KindReplyErr, QueryID: r.qid, Payload: payload})
}

func (r *responder) Finish() error {
	return r.s.send(&wire.Frame{Kind: wire.KindReplyFinal, QueryID: r.qid})
}

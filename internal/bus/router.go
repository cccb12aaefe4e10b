package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pubsub-demo/internal/keyexpr"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// RouterConfig tunes the in-process router.
type RouterConfig struct {
	// MailboxSize is the per-registration delivery buffer. Default: 256.
	MailboxSize int
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{MailboxSize: 256}
}

// Router is an in-process bus. It matches puts to subscribers and queries to
// queryables by key expression intersection. Samples from one publisher reach
// each subscriber in the order they were put.
type Router struct {
	cfg RouterConfig
	seq atomic.Uint64

	mu         sync.RWMutex
	subs       map[uint64]*routeEntry[SampleHandler]
	queryables map[uint64]*routeEntry[QueryHandler]
	sessions   map[string]*routerSession
	closed     bool
}

type routeEntry[H any] struct {
	id      uint64
	keyExpr string
	handler H
	box     *Mailbox
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultRouterConfig().MailboxSize
	}
	return &Router{
		cfg:        cfg,
		subs:       make(map[uint64]*routeEntry[SampleHandler]),
		queryables: make(map[uint64]*routeEntry[QueryHandler]),
		sessions:   make(map[string]*routerSession),
	}
}

// Open starts a new session on the router.
func (r *Router) Open() (Session, error) {
	s := &routerSession{
		id:      uuid.NewString(),
		r:       r,
		tracker: NewQueryTracker(),
		decls:   make(map[uint64]routerDecl),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.sessions[s.id] = s
	return s, nil
}

// Sessions returns the number of open sessions.
func (r *Router) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes every session and refuses new ones.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*routerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	return err
}

func (r *Router) put(ctx context.Context, ke string, payload []byte) error {
	sample := Sample{KeyExpr: ke, Payload: clone(payload), Timestamp: time.Now().UTC()}

	r.mu.RLock()
	var targets []*routeEntry[SampleHandler]
	for _, e := range r.subs {
		if keyexpr.Intersects(e.keyExpr, ke) {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range targets {
		h := e.handler
		if err := e.box.Post(ctx, func() { h(sample) }, nil); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Router) get(ctx context.Context, tracker *QueryTracker, ke string, timeout time.Duration, opts GetOptions, handler ReplyHandler) <-chan struct{} {
	id, done := tracker.Start(ctx, timeout, handler)

	r.mu.RLock()
	var targets []*routeEntry[QueryHandler]
	for _, e := range r.queryables {
		if keyexpr.Intersects(e.keyExpr, ke) {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		tracker.Fail(id, ErrNoResponders)
		return done
	}

	rq := &routedQuery{tracker: tracker, id: id}
	rq.remaining.Store(int32(len(targets)))
	info := QueryInfo{KeyExpr: ke, Parameters: opts.Parameters, Payload: clone(opts.Payload)}
	for _, e := range targets {
		q := NewQuery(info, rq)
		h := e.handler
		if err := e.box.Post(ctx, func() { h(q) }, func() { _ = q.Drop() }); err != nil {
			_ = q.Drop()
		}
	}
	return done
}

// routedQuery fans the answers of every matched queryable into the issuing
// session's tracker and completes the query once all of them dropped it.
type routedQuery struct {
	tracker   *QueryTracker
	id        uint64
	remaining atomic.Int32
}

func (rq *routedQuery) SendReply(ke string, payload []byte) error {
	rq.tracker.Deliver(rq.id, Reply{Sample: &Sample{KeyExpr: ke, Payload: clone(payload), Timestamp: time.Now().UTC()}})
	return nil
}

func (rq *routedQuery) SendError(payload []byte) error {
	rq.tracker.Deliver(rq.id, Reply{Err: clone(payload)})
	return nil
}

func (rq *routedQuery) Finish() error {
	if rq.remaining.Add(-1) == 0 {
		rq.tracker.Finish(rq.id)
	}
	return nil
}

type routerSession struct {
	id      string
	r       *Router
	tracker *QueryTracker

	mu     sync.Mutex
	decls  map[uint64]routerDecl
	closed bool
}

// declKind orders releases on Close: subscribers first, publishers last.
type declKind int

const (
	declSubscriber declKind = iota
	declQueryable
	declQuerier
	declPublisher
)

type routerDecl struct {
	kind      declKind
	undeclare func() error
}

func (s *routerSession) ID() string { return s.id }

// declare records a registration. attach, when set, runs under the session
// lock so a concurrent Close either sees the route and removes it or
// refuses the declaration before the route exists.
func (s *routerSession) declare(ke string, kind declKind, attach func(id uint64), undeclare func() error) (uint64, error) {
	if err := keyexpr.Validate(ke); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	id := s.r.seq.Add(1)
	if attach != nil {
		attach(id)
	}
	s.decls[id] = routerDecl{kind: kind, undeclare: undeclare}
	return id, nil
}

func (s *routerSession) undeclare(id uint64) error {
	s.mu.Lock()
	d, ok := s.decls[id]
	delete(s.decls, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return d.undeclare()
}

func (s *routerSession) declared(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.decls[id]
	return ok
}

func (s *routerSession) DeclarePublisher(_ context.Context, ke string) (Publisher, error) {
	id, err := s.declare(ke, declPublisher, nil, func() error { return nil })
	if err != nil {
		return nil, err
	}
	return &routerPublisher{routerHandle{s: s, id: id, ke: ke}}, nil
}

func (s *routerSession) DeclareSubscriber(_ context.Context, ke string, handler SampleHandler) (Subscriber, error) {
	if handler == nil {
		return nil, fmt.Errorf("declare subscriber %q: nil handler", ke)
	}
	e := &routeEntry[SampleHandler]{keyExpr: ke, handler: handler, box: NewMailbox(s.r.cfg.MailboxSize)}
	id, err := s.declare(ke, declSubscriber, func(id uint64) {
		s.r.mu.Lock()
		e.id = id
		s.r.subs[id] = e
		s.r.mu.Unlock()
	}, func() error {
		s.r.mu.Lock()
		delete(s.r.subs, e.id)
		s.r.mu.Unlock()
		e.box.Close()
		return nil
	})
	if err != nil {
		e.box.Close()
		return nil, err
	}
	return &routerHandle{s: s, id: id, ke: ke}, nil
}

func (s *routerSession) DeclareQueryable(_ context.Context, ke string, handler QueryHandler) (Queryable, error) {
	if handler == nil {
		return nil, fmt.Errorf("declare queryable %q: nil handler", ke)
	}
	e := &routeEntry[QueryHandler]{keyExpr: ke, handler: handler, box: NewMailbox(s.r.cfg.MailboxSize)}
	id, err := s.declare(ke, declQueryable, func(id uint64) {
		s.r.mu.Lock()
		e.id = id
		s.r.queryables[id] = e
		s.r.mu.Unlock()
	}, func() error {
		s.r.mu.Lock()
		delete(s.r.queryables, e.id)
		s.r.mu.Unlock()
		// Queued queries are dropped so their issuers complete.
		e.box.Close()
		return nil
	})
	if err != nil {
		e.box.Close()
		return nil, err
	}
	return &routerHandle{s: s, id: id, ke: ke}, nil
}

func (s *routerSession) DeclareQuerier(_ context.Context, ke string, opts QuerierOptions) (Querier, error) {
	id, err := s.declare(ke, declQuerier, nil, func() error { return nil })
	if err != nil {
		return nil, err
	}
	return &routerQuerier{routerHandle: routerHandle{s: s, id: id, ke: ke}, timeout: QueryTimeout(opts)}, nil
}

// Close undeclares every registration still held, subscribers first and
// publishers last, completes pending queries with ErrClosed and detaches the
// session from the router.
func (s *routerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]uint64, 0, len(s.decls))
	for id := range s.decls {
		ids = append(ids, id)
	}
	decls := s.decls
	s.decls = make(map[uint64]routerDecl)
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		a, b := decls[ids[i]], decls[ids[j]]
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		return ids[i] < ids[j]
	})
	var err error
	for _, id := range ids {
		err = multierr.Append(err, decls[id].undeclare())
	}
	s.tracker.FailAll(ErrClosed)

	s.r.mu.Lock()
	delete(s.r.sessions, s.id)
	s.r.mu.Unlock()
	return err
}

type routerHandle struct {
	s  *routerSession
	id uint64
	ke string
}

func (h routerHandle) KeyExpr() string  { return h.ke }
func (h routerHandle) Undeclare() error { return h.s.undeclare(h.id) }

type routerPublisher struct{ routerHandle }

type routerQuerier struct {
	routerHandle
	timeout time.Duration
}

func (q *routerQuerier) Get(ctx context.Context, opts GetOptions, handler ReplyHandler) (<-chan struct{}, error) {
	if handler == nil {
		return nil, fmt.Errorf("get %q: nil handler", q.ke)
	}
	if !q.s.declared(q.id) {
		return nil, ErrClosed
	}
	return q.s.r.get(ctx, q.s.tracker, q.ke, q.timeout, opts, handler), nil
}

func (p *routerPublisher) Put(ctx context.Context, payload []byte) error {
	if !p.s.declared(p.id) {
		return ErrClosed
	}
	return p.s.r.put(ctx, p.ke, payload)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Package natsbus maps bus sessions onto a NATS connection.
//
// Key expressions become subjects chunk by chunk: "/" separates tokens, "*"
// stays a single-token wildcard and a trailing "**" becomes ">". Queries
// travel on "_QUERY.<subject>" with a private reply inbox; a query completes
// when the first responder finalizes it or when it times out.
package natsbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/keyexpr"
	"pubsub-demo/internal/logging"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	queryPrefix = "_QUERY."

	hdrTimestamp = "Pubsub-Ts"
	hdrParams    = "Pubsub-Params"
	hdrKind      = "Pubsub-Kind"
	hdrKey       = "Pubsub-Key"

	kindReply = "reply"
	kindError = "error"
	kindFinal = "final"
)

type Options struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

func DefaultOptions() Options {
	return Options{
		URL:            nats.DefaultURL,
		Name:           "pubsub-demo",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
	}
}

// Subject converts a key expression to a NATS subject.
func Subject(ke string) (string, error) {
	if err := keyexpr.Validate(ke); err != nil {
		return "", err
	}
	chunks := strings.Split(ke, "/")
	for i, c := range chunks {
		switch {
		case c == keyexpr.Multi:
			if i != len(chunks)-1 {
				return "", fmt.Errorf("%w: %q: ** only as the last chunk", bus.ErrUnsupported, ke)
			}
			chunks[i] = ">"
		case strings.ContainsAny(c, ". \t>"):
			return "", fmt.Errorf("%w: %q: chunk %q", bus.ErrUnsupported, ke, c)
		}
	}
	return strings.Join(chunks, "."), nil
}

// KeyExpr converts a concrete subject back to a key expression.
func KeyExpr(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// Dial connects to NATS and opens a session that owns the connection.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	log := logging.For("natsbus")
	nopts := []nats.Option{
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Errorf("nats error: %v", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	}
	timeout := opts.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok && (timeout <= 0 || time.Until(dl) < timeout) {
		timeout = time.Until(dl)
	}
	if timeout > 0 {
		nopts = append(nopts, nats.Timeout(timeout))
	}
	nc, err := nats.Connect(opts.URL, nopts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", opts.URL, err)
	}
	s := New(nc)
	s.owned = true
	return s, nil
}

// New opens a session on an existing connection. The caller keeps ownership
// of nc.
func New(nc *nats.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		nc:      nc,
		tracker: bus.NewQueryTracker(),
		regs:    make(map[*registration]struct{}),
		log:     logging.For("natsbus").WithField("session", id),
	}
}

type Session struct {
	id      string
	nc      *nats.Conn
	owned   bool
	tracker *bus.QueryTracker
	log     *logrus.Entry

	mu     sync.Mutex
	regs   map[*registration]struct{}
	closed bool
}

type registration struct {
	s       *Session
	kind    int
	keyExpr string
	subject string
	sub     *nats.Subscription
	timeout time.Duration
	once    sync.Once
}

// Release order used by Close.
const (
	kindSubscriber = iota
	kindQueryable
	kindQuerier
	kindPublisher
)

func (s *Session) ID() string { return s.id }

func (s *Session) register(kind int, ke string) (*registration, error) {
	subj, err := Subject(ke)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.nc.IsClosed() {
		return nil, bus.ErrClosed
	}
	r := &registration{s: s, kind: kind, keyExpr: ke, subject: subj}
	s.regs[r] = struct{}{}
	return r, nil
}

func (s *Session) live(r *registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[r]; !ok {
		return bus.ErrClosed
	}
	return nil
}

func (r *registration) KeyExpr() string { return r.keyExpr }

func (r *registration) Undeclare() error {
	var err error
	r.once.Do(func() {
		r.s.mu.Lock()
		delete(r.s.regs, r)
		r.s.mu.Unlock()
		if r.sub != nil {
			if uerr := r.sub.Unsubscribe(); uerr != nil && uerr != nats.ErrConnectionClosed {
				err = fmt.Errorf("natsbus: unsubscribe %q: %w", r.keyExpr, uerr)
			}
		}
	})
	return err
}

func (s *Session) DeclarePublisher(_ context.Context, ke string) (bus.Publisher, error) {
	if keyexpr.IsWild(ke) {
		return nil, fmt.Errorf("natsbus: publisher %q: %w", ke, keyexpr.ErrInvalid)
	}
	r, err := s.register(kindPublisher, ke)
	if err != nil {
		return nil, err
	}
	return &publisher{r}, nil
}

type publisher struct{ *registration }

func (p *publisher) Put(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.s.live(p.registration); err != nil {
		return err
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	msg.Header.Set(hdrTimestamp, time.Now().UTC().Format(time.RFC3339Nano))
	if err := p.s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsbus: publish %q: %w", p.keyExpr, err)
	}
	return nil
}

func sampleFrom(m *nats.Msg) bus.Sample {
	ts := time.Now().UTC()
	if raw := m.Header.Get(hdrTimestamp); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = t
		}
	}
	return bus.Sample{KeyExpr: KeyExpr(m.Subject), Payload: m.Data, Timestamp: ts}
}

// DeclareSubscriber subscribes to the mapped subject. NATS runs a
// subscription's callbacks one at a time in arrival order.
func (s *Session) DeclareSubscriber(_ context.Context, ke string, handler bus.SampleHandler) (bus.Subscriber, error) {
	if handler == nil {
		return nil, fmt.Errorf("natsbus: declare subscriber %q: nil handler", ke)
	}
	r, err := s.register(kindSubscriber, ke)
	if err != nil {
		return nil, err
	}
	sub, err := s.nc.Subscribe(r.subject, func(m *nats.Msg) {
		// Query and inbox traffic is not sample traffic.
		if strings.HasPrefix(m.Subject, "_") {
			return
		}
		handler(sampleFrom(m))
	})
	if err != nil {
		_ = r.Undeclare()
		return nil, fmt.Errorf("natsbus: subscribe %q: %w", ke, err)
	}
	r.sub = sub
	return r, nil
}

func (s *Session) DeclareQueryable(_ context.Context, ke string, handler bus.QueryHandler) (bus.Queryable, error) {
	if handler == nil {
		return nil, fmt.Errorf("natsbus: declare queryable %q: nil handler", ke)
	}
	r, err := s.register(kindQueryable, ke)
	if err != nil {
		return nil, err
	}
	sub, err := s.nc.Subscribe(queryPrefix+r.subject, func(m *nats.Msg) {
		if m.Reply == "" {
			return
		}
		info := bus.QueryInfo{
			KeyExpr:    KeyExpr(strings.TrimPrefix(m.Subject, queryPrefix)),
			Parameters: m.Header.Get(hdrParams),
			Payload:    m.Data,
		}
		handler(bus.NewQuery(info, &responder{nc: s.nc, inbox: m.Reply}))
	})
	if err != nil {
		_ = r.Undeclare()
		return nil, fmt.Errorf("natsbus: subscribe %q: %w", ke, err)
	}
	r.sub = sub
	return r, nil
}

type responder struct {
	nc    *nats.Conn
	inbox string
}

func (r *responder) publish(kind, key string, payload []byte) error {
	msg := nats.NewMsg(r.inbox)
	msg.Data = payload
	msg.Header.Set(hdrKind, kind)
	if key != "" {
		msg.Header.Set(hdrKey, key)
		msg.Header.Set(hdrTimestamp, time.Now().UTC().Format(time.RFC3339Nano))
	}
	if err := r.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsbus: %s reply: %w", kind, err)
	}
	return nil
}

func (r *responder) SendReply(ke string, payload []byte) error {
	return r.publish(kindReply, ke, payload)
}

func (r *responder) SendError(payload []byte) error {
	return r.publish(kindError, "", payload)
}

func (r *responder) Finish() error {
	return r.publish(kindFinal, "", nil)
}

func (s *Session) DeclareQuerier(_ context.Context, ke string, opts bus.QuerierOptions) (bus.Querier, error) {
	r, err := s.register(kindQuerier, ke)
	if err != nil {
		return nil, err
	}
	r.timeout = bus.QueryTimeout(opts)
	return &querier{r}, nil
}

type querier struct{ *registration }

func (q *querier) Get(ctx context.Context, opts bus.GetOptions, handler bus.ReplyHandler) (<-chan struct{}, error) {
	if handler == nil {
		return nil, fmt.Errorf("natsbus: get %q: nil handler", q.keyExpr)
	}
	if err := q.s.live(q.registration); err != nil {
		return nil, err
	}
	t := q.s.tracker
	id, done := t.Start(ctx, q.timeout, handler)

	inbox := q.s.nc.NewRespInbox()
	sub, err := q.s.nc.Subscribe(inbox, func(m *nats.Msg) {
		if len(m.Data) == 0 && m.Header.Get("Status") == "503" {
			t.Fail(id, bus.ErrNoResponders)
			return
		}
		switch m.Header.Get(hdrKind) {
		case kindReply:
			smp := sampleFrom(m)
			smp.KeyExpr = m.Header.Get(hdrKey)
			t.Deliver(id, bus.Reply{Sample: &smp})
		case kindError:
			t.Deliver(id, bus.Reply{Err: m.Data})
		case kindFinal:
			t.Finish(id)
		}
	})
	if err != nil {
		t.Fail(id, err)
		return done, nil
	}
	go func() {
		<-done
		_ = sub.Unsubscribe()
	}()

	msg := nats.NewMsg(queryPrefix + q.subject)
	msg.Reply = inbox
	msg.Data = opts.Payload
	if opts.Parameters != "" {
		msg.Header.Set(hdrParams, opts.Parameters)
	}
	if err := q.s.nc.PublishMsg(msg); err != nil {
		t.Fail(id, err)
	}
	return done, nil
}

// Close releases registrations in subscriber, queryable, querier, publisher
// order, fails pending queries and closes an owned connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	regs := make([]*registration, 0, len(s.regs))
	for r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].kind < regs[j].kind })
	var err error
	for _, r := range regs {
		err = multierr.Append(err, r.Undeclare())
	}
	s.tracker.FailAll(bus.ErrClosed)
	if s.owned {
		if derr := s.nc.Drain(); derr != nil && derr != nats.ErrConnectionClosed {
			s.log.Warnf("drain: %v", derr)
			s.nc.Close()
		}
	}
	return err
}

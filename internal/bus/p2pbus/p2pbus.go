// Package p2pbus runs bus sessions over libp2p gossipsub without a router.
//
// Only exact key expressions are supported: every key maps to its own topic.
// Samples travel on "pubsub/sample/<key>", queries on "pubsub/query/<key>"
// and replies on the issuing session's "pubsub/reply/<session>" topic. All
// messages are wire frames.
package p2pbus

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/keyexpr"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/wire"

	"github.com/google/uuid"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	sampleTopicPrefix = "pubsub/sample/"
	queryTopicPrefix  = "pubsub/query/"
	replyTopicPrefix  = "pubsub/reply/"
)

type Options struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	host   host.Host
	ps     *pubsub.PubSub
	mdns   mdns.Service

	tracker *bus.QueryTracker
	log     *logrus.Entry
	wg      sync.WaitGroup

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	regs   map[*registration]struct{}
	closed bool
}

// Dial starts a libp2p host, joins gossipsub and subscribes to the session's
// reply topic.
func Dial(parent context.Context, opts Options) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	log := logging.For("p2pbus")

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("p2pbus: invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("p2pbus: load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2pbus: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("p2pbus: create gossipsub: %w", err)
	}

	id := uuid.NewString()
	s := &Session{
		ctx:     ctx,
		cancel:  cancel,
		id:      id,
		host:    h,
		ps:      ps,
		tracker: bus.NewQueryTracker(),
		log:     log.WithField("session", id),
		topics:  make(map[string]*pubsub.Topic),
		regs:    make(map[*registration]struct{}),
	}

	if opts.EnableMDNS {
		s.mdns = mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: s.log})
		if err := s.mdns.Start(); err != nil {
			s.log.Warnf("mdns start error: %v", err)
		}
	}
	for _, raw := range opts.Bootstrap {
		s.connect(parent, raw)
	}

	if err := s.listenReplies(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.log.Infof("peer %s listening on %v", h.ID(), s.ListenAddrs())
	return s, nil
}

func (s *Session) connect(ctx context.Context, raw string) {
	if raw == "" {
		return
	}
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		s.log.Warnf("skip bootstrap addr %q: %v", raw, err)
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		s.log.Warnf("skip bootstrap addr %q: %v", raw, err)
		return
	}
	if err := s.host.Connect(ctx, *info); err != nil {
		s.log.Warnf("bootstrap connect failed %s: %v", info.ID, err)
		return
	}
	s.log.Infof("connected bootstrap peer %s", info.ID)
}

func (s *Session) ID() string { return s.id }

// ListenAddrs returns full multiaddrs other peers can bootstrap from.
func (s *Session) ListenAddrs() []string {
	out := make([]string, 0, len(s.host.Addrs()))
	for _, addr := range s.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), s.host.ID().String()))
	}
	return out
}

func (s *Session) topic(name string) (*pubsub.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[name]; ok {
		return t, nil
	}
	t, err := s.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("p2pbus: join %s: %w", name, err)
	}
	s.topics[name] = t
	return t, nil
}

func (s *Session) publish(ctx context.Context, topic string, f *wire.Frame) error {
	t, err := s.topic(topic)
	if err != nil {
		return err
	}
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, b); err != nil {
		return fmt.Errorf("p2pbus: publish %s: %w", topic, err)
	}
	return nil
}

// consume runs fn for every frame arriving on topic until ctx ends. Frames are
// handled one at a time in arrival order.
func (s *Session) consume(ctx context.Context, topic string, fn func(*wire.Frame)) (func(), error) {
	t, err := s.topic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("p2pbus: subscribe %s: %w", topic, err)
	}
	subCtx, subCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			var f wire.Frame
			if err := f.Unmarshal(msg.Data); err != nil {
				s.log.Debugf("drop malformed frame on %s from %s: %v", topic, msg.ReceivedFrom, err)
				continue
			}
			fn(&f)
		}
	}()
	stop := func() {
		subCancel()
		sub.Cancel()
		<-done
	}
	return stop, nil
}

func (s *Session) listenReplies() error {
	_, err := s.consume(s.ctx, replyTopicPrefix+s.id, func(f *wire.Frame) {
		switch f.Kind {
		case wire.KindReply:
			s.tracker.Deliver(f.QueryID, bus.Reply{Sample: &bus.Sample{KeyExpr: f.KeyExpr, Payload: f.Payload, Timestamp: f.Timestamp}})
		case wire.KindReplyErr:
			s.tracker.Deliver(f.QueryID, bus.Reply{Err: f.Payload})
		case wire.KindReplyFinal:
			s.tracker.Finish(f.QueryID)
		}
	})
	return err
}

// Release order used by Close.
const (
	kindSubscriber = iota
	kindQueryable
	kindQuerier
	kindPublisher
)

type registration struct {
	s       *Session
	kind    int
	keyExpr string
	timeout time.Duration
	stop    func()
	once    sync.Once
}

func (s *Session) register(kind int, ke string) (*registration, error) {
	if err := keyexpr.Validate(ke); err != nil {
		return nil, err
	}
	if keyexpr.IsWild(ke) {
		return nil, fmt.Errorf("%w: wildcard key expression %q", bus.ErrUnsupported, ke)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, bus.ErrClosed
	}
	r := &registration{s: s, kind: kind, keyExpr: ke}
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
	r.once.Do(func() {
		r.s.mu.Lock()
		delete(r.s.regs, r)
		r.s.mu.Unlock()
		if r.stop != nil {
			r.stop()
		}
	})
	return nil
}

func (s *Session) DeclarePublisher(_ context.Context, ke string) (bus.Publisher, error) {
	r, err := s.register(kindPublisher, ke)
	if err != nil {
		return nil, err
	}
	if _, err := s.topic(sampleTopicPrefix + ke); err != nil {
		_ = r.Undeclare()
		return nil, err
	}
	return &publisher{r}, nil
}

type publisher struct{ *registration }

func (p *publisher) Put(ctx context.Context, payload []byte) error {
	if err := p.s.live(p.registration); err != nil {
		return err
	}
	if payload == nil {
		payload = []byte{}
	}
	f := &wire.Frame{Kind: wire.KindSample, KeyExpr: p.keyExpr, Payload: payload, Timestamp: time.Now().UTC()}
	return p.s.publish(ctx, sampleTopicPrefix+p.keyExpr, f)
}

func (s *Session) DeclareSubscriber(_ context.Context, ke string, handler bus.SampleHandler) (bus.Subscriber, error) {
	if handler == nil {
		return nil, fmt.Errorf("p2pbus: declare subscriber %q: nil handler", ke)
	}
	r, err := s.register(kindSubscriber, ke)
	if err != nil {
		return nil, err
	}
	stop, err := s.consume(s.ctx, sampleTopicPrefix+ke, func(f *wire.Frame) {
		if f.Kind != wire.KindSample {
			return
		}
		handler(bus.Sample{KeyExpr: f.KeyExpr, Payload: f.Payload, Timestamp: f.Timestamp})
	})
	if err != nil {
		_ = r.Undeclare()
		return nil, err
	}
	r.stop = stop
	return r, nil
}

func (s *Session) DeclareQueryable(_ context.Context, ke string, handler bus.QueryHandler) (bus.Queryable, error) {
	if handler == nil {
		return nil, fmt.Errorf("p2pbus: declare queryable %q: nil handler", ke)
	}
	r, err := s.register(kindQueryable, ke)
	if err != nil {
		return nil, err
	}
	stop, err := s.consume(s.ctx, queryTopicPrefix+ke, func(f *wire.Frame) {
		if f.Kind != wire.KindQuery || f.Session == "" {
			return
		}
		info := bus.QueryInfo{KeyExpr: f.KeyExpr, Parameters: f.Parameters, Payload: f.Payload}
		handler(bus.NewQuery(info, &responder{s: s, topic: replyTopicPrefix + f.Session, qid: f.QueryID}))
	})
	if err != nil {
		_ = r.Undeclare()
		return nil, err
	}
	r.stop = stop
	return r, nil
}

type responder struct {
	s     *Session
	topic string
	qid   uint64
}

func (r *responder) SendReply(ke string, payload []byte) error {
	return r.s.publish(r.s.ctx, r.topic, &wire.Frame{Kind: wire.KindReply, QueryID: r.qid, KeyExpr: ke, Payload: payload, Timestamp: time.Now().UTC()})
}

func (r *responder) SendError(payload []byte) error {
	return r.s.publish(r.s.ctx, r.topic, &wire.Frame{Kind: wire.KindReplyErr, QueryID: r.qid, Payload: payload})
}

func (r *responder) Finish() error {
	return r.s.publish(r.s.ctx, r.topic, &wire.Frame{Kind: wire.KindReplyFinal, QueryID: r.qid})
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

// Get publishes the query. Gossipsub cannot tell whether anyone listens, so
// a query nobody answers ends with the timeout reply.
func (q *querier) Get(ctx context.Context, opts bus.GetOptions, handler bus.ReplyHandler) (<-chan struct{}, error) {
	if handler == nil {
		return nil, fmt.Errorf("p2pbus: get %q: nil handler", q.keyExpr)
	}
	if err := q.s.live(q.registration); err != nil {
		return nil, err
	}
	id, done := q.s.tracker.Start(ctx, q.timeout, handler)
	f := &wire.Frame{
		Kind:       wire.KindQuery,
		QueryID:    id,
		Session:    q.s.id,
		KeyExpr:    q.keyExpr,
		Parameters: opts.Parameters,
		Payload:    opts.Payload,
	}
	if err := q.s.publish(ctx, queryTopicPrefix+q.keyExpr, f); err != nil {
		q.s.tracker.Fail(id, err)
	}
	return done, nil
}

// Close releases registrations in subscriber, queryable, querier, publisher
// order, then shuts down gossipsub and the host.
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

	s.cancel()
	s.wg.Wait()
	if s.mdns != nil {
		err = multierr.Append(err, s.mdns.Close())
	}
	s.mu.Lock()
	for _, t := range s.topics {
		_ = t.Close()
	}
	s.mu.Unlock()
	return multierr.Append(err, s.host.Close())
}

type mdnsNotifee struct {
	host host.Host
	log  *logrus.Entry
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debugf("mdns connect failed %s: %v", info.ID, err)
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}

// Package bus defines the capabilities the demo roles consume from a
// publish/subscribe and query-routing message bus.
//
// A Session is one open link to the bus. Registrations (publishers,
// subscribers, queryables and queriers) belong to exactly one session and
// must be undeclared before the session is closed; Close force-releases any
// registration still declared.
//
// Implementations: Router (in-process), grpcbus (router daemon), natsbus and
// p2pbus.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed       = errors.New("bus closed")
	ErrTimeout      = errors.New("timeout")
	ErrNoResponders = errors.New("no responders")
	ErrQueryDropped = errors.New("query already dropped")
	ErrKeyMismatch  = errors.New("reply key does not match query")
	ErrUnsupported  = errors.New("unsupported by this bus")
)

// DefaultQueryTimeout bounds a query when the querier sets no timeout.
const DefaultQueryTimeout = 10 * time.Second

// Sample is one delivered publication.
type Sample struct {
	KeyExpr   string
	Payload   []byte
	Timestamp time.Time
}

// Reply is one answer to a query. Exactly one of Sample and Err is set.
type Reply struct {
	Sample *Sample
	Err    []byte
}

// OK reports whether the reply carries a success sample.
func (r Reply) OK() bool { return r.Sample != nil }

// ErrorReply builds an error reply carrying err's text.
func ErrorReply(err error) Reply {
	return Reply{Err: []byte(err.Error())}
}

type (
	SampleHandler func(Sample)
	QueryHandler  func(Query)
	ReplyHandler  func(Reply)
)

// Session is an open connection to the bus.
type Session interface {
	ID() string
	DeclarePublisher(ctx context.Context, keyExpr string) (Publisher, error)
	DeclareSubscriber(ctx context.Context, keyExpr string, handler SampleHandler) (Subscriber, error)
	DeclareQueryable(ctx context.Context, keyExpr string, handler QueryHandler) (Queryable, error)
	DeclareQuerier(ctx context.Context, keyExpr string, opts QuerierOptions) (Querier, error)
	Close() error
}

// Publisher sends samples under one key expression. Put does not wait for
// delivery.
type Publisher interface {
	KeyExpr() string
	Put(ctx context.Context, payload []byte) error
	Undeclare() error
}

// Subscriber receives samples through the handler it was declared with. The
// handler runs one invocation at a time, in delivery order. Undeclare must not
// be called from inside the handler.
type Subscriber interface {
	KeyExpr() string
	Undeclare() error
}

// Queryable receives queries through the handler it was declared with.
type Queryable interface {
	KeyExpr() string
	Undeclare() error
}

type QuerierOptions struct {
	Timeout time.Duration
}

type GetOptions struct {
	Parameters string
	Payload    []byte
}

// Querier issues queries against one key expression.
type Querier interface {
	KeyExpr() string
	// Get sends a query and returns immediately. handler is called once per
	// reply; the returned channel is closed after the last call. A query that
	// gets no reply before the querier's timeout yields one ErrTimeout reply.
	Get(ctx context.Context, opts GetOptions, handler ReplyHandler) (<-chan struct{}, error)
	Undeclare() error
}

// Query is a request delivered to a queryable. The receiver answers it with
// any number of Reply or ReplyErr calls and then calls Drop exactly once.
type Query interface {
	Selector() string
	KeyExpr() string
	Parameters() string
	Payload() []byte
	Reply(keyExpr string, payload []byte) error
	ReplyErr(payload []byte) error
	Drop() error
}

// QueryTimeout returns the effective timeout for opts.
func QueryTimeout(opts QuerierOptions) time.Duration {
	if opts.Timeout <= 0 {
		return DefaultQueryTimeout
	}
	return opts.Timeout
}

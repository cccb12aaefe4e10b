package bus

import (
	"fmt"
	"sync"

	"pubsub-demo/internal/keyexpr"
)

// Responder carries a query's answers back to whoever issued it.
type Responder interface {
	SendReply(keyExpr string, payload []byte) error
	SendError(payload []byte) error
	// Finish reports that no more answers will follow.
	Finish() error
}

// QueryInfo describes a received query.
type QueryInfo struct {
	KeyExpr    string
	Parameters string
	Payload    []byte
}

// NewQuery wraps a received query so every backend enforces the same
// lifecycle: answers are only accepted before Drop, and Drop succeeds once.
func NewQuery(info QueryInfo, r Responder) Query {
	return &query{info: info, r: r}
}

type query struct {
	info QueryInfo
	r    Responder

	mu      sync.Mutex
	dropped bool
}

func (q *query) Selector() string   { return keyexpr.Selector(q.info.KeyExpr, q.info.Parameters) }
func (q *query) KeyExpr() string    { return q.info.KeyExpr }
func (q *query) Parameters() string { return q.info.Parameters }
func (q *query) Payload() []byte    { return q.info.Payload }

func (q *query) Reply(ke string, payload []byte) error {
	if err := keyexpr.Validate(ke); err != nil {
		return err
	}
	if !keyexpr.Intersects(ke, q.info.KeyExpr) {
		return fmt.Errorf("%w: %q vs %q", ErrKeyMismatch, ke, q.info.KeyExpr)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dropped {
		return ErrQueryDropped
	}
	return q.r.SendReply(ke, payload)
}

func (q *query) ReplyErr(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dropped {
		return ErrQueryDropped
	}
	return q.r.SendError(payload)
}

func (q *query) Drop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dropped {
		return ErrQueryDropped
	}
	q.dropped = true
	return q.r.Finish()
}

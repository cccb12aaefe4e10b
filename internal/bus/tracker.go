package bus

import (
	"context"
	"sync"
	"time"
)

// QueryTracker is the table of queries a session has issued and not yet
// completed. Replies for one query are handed to its handler one at a time;
// a query still open when its timeout fires gets one ErrTimeout reply.
type QueryTracker struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*pendingQuery
}

type pendingQuery struct {
	handler ReplyHandler
	done    chan struct{}
	timer   *time.Timer
	stopCtx func() bool

	mu       sync.Mutex
	finished bool
}

func NewQueryTracker() *QueryTracker {
	return &QueryTracker{pending: make(map[uint64]*pendingQuery)}
}

// Start registers a new query and returns its id and completion channel.
// Cancelling ctx completes the query without further replies.
func (t *QueryTracker) Start(ctx context.Context, timeout time.Duration, handler ReplyHandler) (uint64, <-chan struct{}) {
	pq := &pendingQuery{handler: handler, done: make(chan struct{})}
	// complete needs timer and stopCtx; hold pq.mu until both are set.
	pq.mu.Lock()
	defer pq.mu.Unlock()

	t.mu.Lock()
	t.next++
	id := t.next
	t.pending[id] = pq
	t.mu.Unlock()

	pq.timer = time.AfterFunc(timeout, func() { t.Fail(id, ErrTimeout) })
	pq.stopCtx = context.AfterFunc(ctx, func() { t.abort(id) })
	return id, pq.done
}

func (t *QueryTracker) lookup(id uint64, remove bool) *pendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()
	pq := t.pending[id]
	if remove {
		delete(t.pending, id)
	}
	return pq
}

// Deliver hands r to the query's handler. It reports false when the query is
// unknown or already complete.
func (t *QueryTracker) Deliver(id uint64, r Reply) bool {
	pq := t.lookup(id, false)
	if pq == nil {
		return false
	}
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.finished {
		return false
	}
	pq.handler(r)
	return true
}

// Finish completes a query normally.
func (t *QueryTracker) Finish(id uint64) {
	if pq := t.lookup(id, true); pq != nil {
		pq.complete(nil)
	}
}

// Fail delivers err as the query's last reply and completes it.
func (t *QueryTracker) Fail(id uint64, err error) {
	if pq := t.lookup(id, true); pq != nil {
		pq.complete(err)
	}
}

func (t *QueryTracker) abort(id uint64) {
	if pq := t.lookup(id, true); pq != nil {
		pq.complete(nil)
	}
}

// FailAll completes every pending query with err.
func (t *QueryTracker) FailAll(err error) {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[uint64]*pendingQuery)
	t.mu.Unlock()
	for _, pq := range all {
		pq.complete(err)
	}
}

// Len returns the number of open queries.
func (t *QueryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (pq *pendingQuery) complete(err error) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.finished {
		return
	}
	pq.finished = true
	pq.timer.Stop()
	pq.stopCtx()
	if err != nil {
		pq.handler(ErrorReply(err))
	}
	close(pq.done)
}

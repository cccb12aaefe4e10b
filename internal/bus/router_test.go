package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPair(t *testing.T) (*Router, Session, Session) {
	t.Helper()
	r := NewRouter(DefaultRouterConfig())
	a, err := r.Open()
	require.NoError(t, err)
	b, err := r.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, a, b
}

type sampleLog struct {
	mu      sync.Mutex
	samples []Sample
}

func (l *sampleLog) add(s Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, s)
}

func (l *sampleLog) payloads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.samples))
	for i, s := range l.samples {
		out[i] = string(s.Payload)
	}
	return out
}

type replyLog struct {
	mu      sync.Mutex
	replies []Reply
}

func (l *replyLog) add(r Reply) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replies = append(l.replies, r)
}

func (l *replyLog) all() []Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Reply(nil), l.replies...)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("query did not complete")
	}
}

// Scenario: one publisher, one subscriber on the same key.
// Input: three puts.
// Expect: all three samples in put order, with key and timestamp set.
func TestRouter_PutDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	_, a, b := openPair(t)

	var got sampleLog
	sub, err := b.DeclareSubscriber(ctx, "demo/example/test", got.add)
	require.NoError(t, err)
	defer sub.Undeclare()

	pub, err := a.DeclarePublisher(ctx, "demo/example/test")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Put(ctx, []byte(fmt.Sprintf("dummy-message-%d", i))))
	}

	require.Eventually(t, func() bool { return len(got.payloads()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"dummy-message-0", "dummy-message-1", "dummy-message-2"}, got.payloads())
	got.mu.Lock()
	assert.Equal(t, "demo/example/test", got.samples[0].KeyExpr)
	assert.False(t, got.samples[0].Timestamp.IsZero())
	got.mu.Unlock()
}

func TestRouter_WildcardSubscriber(t *testing.T) {
	ctx := context.Background()
	_, a, b := openPair(t)

	var wild, other sampleLog
	_, err := b.DeclareSubscriber(ctx, "demo/**", wild.add)
	require.NoError(t, err)
	_, err = b.DeclareSubscriber(ctx, "other/*", other.add)
	require.NoError(t, err)

	pub, err := a.DeclarePublisher(ctx, "demo/example/test")
	require.NoError(t, err)
	require.NoError(t, pub.Put(ctx, []byte("x")))

	require.Eventually(t, func() bool { return len(wild.payloads()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, other.payloads())
}

func TestRouter_UndeclaredSubscriberStopsReceiving(t *testing.T) {
	ctx := context.Background()
	_, a, b := openPair(t)

	var got sampleLog
	sub, err := b.DeclareSubscriber(ctx, "k", got.add)
	require.NoError(t, err)
	pub, err := a.DeclarePublisher(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, pub.Put(ctx, []byte("1")))
	require.Eventually(t, func() bool { return len(got.payloads()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Undeclare())
	require.NoError(t, sub.Undeclare(), "second undeclare is a no-op")
	require.NoError(t, pub.Put(ctx, []byte("2")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"1"}, got.payloads())
}

func TestRouter_PutAfterUndeclare(t *testing.T) {
	ctx := context.Background()
	_, a, _ := openPair(t)
	pub, err := a.DeclarePublisher(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, pub.Undeclare())
	assert.ErrorIs(t, pub.Put(ctx, []byte("x")), ErrClosed)
}

func TestRouter_InvalidKey(t *testing.T) {
	_, a, _ := openPair(t)
	_, err := a.DeclarePublisher(context.Background(), "a//b")
	assert.Error(t, err)
}

// Scenario: queryable answers with one reply and drops.
// Expect: the querier sees exactly that reply, then completion.
func TestRouter_GetSingleReply(t *testing.T) {
	ctx := context.Background()
	_, a, b := openPair(t)

	var seen []string
	var mu sync.Mutex
	_, err := b.DeclareQueryable(ctx, "demo/example/test", func(q Query) {
		mu.Lock()
		seen = append(seen, q.Selector())
		mu.Unlock()
		assert.NoError(t, q.Reply(q.KeyExpr(), []byte("Hello from srv!")))
		assert.NoError(t, q.Drop())
	})
	require.NoError(t, err)

	qr, err := a.DeclareQuerier(ctx, "demo/example/test", QuerierOptions{Timeout: time.Second})
	require.NoError(t, err)

	var got replyLog
	done, err := qr.Get(ctx, GetOptions{Parameters: "seq=1"}, got.add)
	require.NoError(t, err)
	waitDone(t, done)

	replies := got.all()
	require.Len(t, replies, 1)
	require.True(t, replies[0].OK())
	assert.Equal(t, "demo/example/test", replies[0].Sample.KeyExpr)
	assert.Equal(t, "Hello from srv!", string(replies[0].Sample.Payload))
	mu.Lock()
	assert.Equal(t, []string{"demo/example/test?seq=1"}, seen)
	mu.Unlock()
}

// Scenario: queryable answers with an error reply.
// Expect: one error reply carrying the payload.
func TestRouter_GetErrorReply(t *testing.T) {
	ctx := context.Background()
	_, a, b := openPair(t)

	_, err := b.DeclareQueryable(ctx, "k", func(q Query) {
		assert.NoError(t, q.ReplyErr([]byte("bad request")))
		assert.NoError(t, q.Drop())
	})
	require.NoError(t, err)
	qr, err := a.DeclareQuerier(ctx, "k", QuerierOptions{})
	require.NoError(t, err)

	var got replyLog
	done, err := qr.Get(ctx, GetOptions{}, got.add)
	require.NoError(t, err)
	waitDone(t, done)

	replies := got.all()
	require.Len(t, replies, 1)
	assert.False(t, replies[0].OK())
	assert.Equal(t, "bad request", string(replies[0].Err))
}

// Scenario: two queryables match.
// Expect: both answers arrive and the query completes after both drop.
func TestRouter_GetFansOut(t *testing.T) {
	ctx := context.Background()
	_, a, b := openPair(t)

	for _, name := range []string{"one", "two"} {
		name := name
		_, err := b.DeclareQueryable(ctx, "demo/*", func(q Query) {
			_ = q.Reply("demo/"+name, []byte(name))
			_ = q.Drop()
		})
		require.NoError(t, err)
	}
	qr, err := a.DeclareQuerier(ctx, "demo/**", QuerierOptions{Timeout: time.Second})
	require.NoError(t, err)

	var got replyLog
	done, err := qr.Get(ctx, GetOptions{}, got.add)
	require.NoError(t, err)
	waitDone(t, done)

	var payloads []string
	for _, r := range got.all() {
		require.True(t, r.OK())
		payloads = append(payloads, string(r.Sample.Payload))
	}
	assert.ElementsMatch(t, []string{"one", "two"}, payloads)
}

func TestRouter_GetNoResponders(t *testing.T) {
	ctx := context.Background()
	_, a, _ := openPair(t)
	qr, err := a.DeclareQuerier(ctx, "nobody/home", QuerierOptions{})
	require.NoError(t, err)

	var got replyLog
	done, err := qr.Get(ctx, GetOptions{}, got.add)
	require.NoError(t, err)
	waitDone(t, done)

	replies := got.all()
	require.Len(t, replies, 1)
	assert.Equal(t, ErrNoResponders.Error(), string(replies[0].Err))
}

// Scenario: queryable holds the query and never drops it.
// Expect: one timeout error reply after the querier's timeout.
func TestRouter_GetTimeout(t *testing.T) {
	ctx := context.Background()
	_, a, b := openPair(t)

	held := make(chan Query, 1)
	_, err := b.DeclareQueryable(ctx, "slow", func(q Query) { held <- q })
	require.NoError(t, err)
	qr, err := a.DeclareQuerier(ctx, "slow", QuerierOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	var got replyLog
	done, err := qr.Get(ctx, GetOptions{}, got.add)
	require.NoError(t, err)
	waitDone(t, done)

	replies := got.all()
	require.Len(t, replies, 1)
	assert.Equal(t, ErrTimeout.Error(), string(replies[0].Err))

	// A late answer is accepted by the query and ignored by the querier.
	q := <-held
	assert.NoError(t, q.Reply("slow", []byte("late")))
	assert.NoError(t, q.Drop())
	assert.Len(t, got.all(), 1)
}

func TestRouter_GetCancelled(t *testing.T) {
	_, a, b := openPair(t)
	_, err := b.DeclareQueryable(context.Background(), "slow", func(q Query) {})
	require.NoError(t, err)
	qr, err := a.DeclareQuerier(context.Background(), "slow", QuerierOptions{Timeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var got replyLog
	done, err := qr.Get(ctx, GetOptions{}, got.add)
	require.NoError(t, err)
	cancel()
	waitDone(t, done)
	assert.Empty(t, got.all())
}

// Scenario: queryable is undeclared while a query waits in its queue.
// Expect: the query is dropped and the querier completes.
func TestRouter_UndeclareQueryableDropsQueued(t *testing.T) {
	ctx := context.Background()
	_, a, b := openPair(t)

	release := make(chan struct{})
	first := make(chan struct{})
	qb, err := b.DeclareQueryable(ctx, "k", func(q Query) {
		close(first)
		<-release
		_ = q.Drop()
	})
	require.NoError(t, err)
	qr, err := a.DeclareQuerier(ctx, "k", QuerierOptions{Timeout: time.Minute})
	require.NoError(t, err)

	done1, err := qr.Get(ctx, GetOptions{}, func(Reply) {})
	require.NoError(t, err)
	<-first
	done2, err := qr.Get(ctx, GetOptions{}, func(Reply) {})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, qb.Undeclare())
	waitDone(t, done1)
	waitDone(t, done2)
}

func TestRouter_SessionCloseReleases(t *testing.T) {
	ctx := context.Background()
	r, a, b := openPair(t)

	_, err := b.DeclareQueryable(ctx, "k", func(q Query) {})
	require.NoError(t, err)
	qr, err := a.DeclareQuerier(ctx, "k", QuerierOptions{Timeout: time.Minute})
	require.NoError(t, err)

	var got replyLog
	done, err := qr.Get(ctx, GetOptions{}, got.add)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	waitDone(t, done)
	require.Len(t, got.all(), 1)
	assert.Equal(t, ErrClosed.Error(), string(got.all()[0].Err))

	_, err = a.DeclarePublisher(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = qr.Get(ctx, GetOptions{}, got.add)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, r.Sessions())
	assert.NoError(t, a.Close())
}

func TestRouter_ClosedRouterRefusesSessions(t *testing.T) {
	r := NewRouter(RouterConfig{})
	require.NoError(t, r.Close())
	_, err := r.Open()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRouter_SessionCloseReleasesByKind(t *testing.T) {
	r := NewRouter(DefaultRouterConfig())
	defer r.Close()
	sess, err := r.Open()
	require.NoError(t, err)
	s := sess.(*routerSession)

	var order []string
	decl := func(name string, kind declKind) {
		_, err := s.declare("k/"+name, kind, nil, func() error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}
	decl("pub1", declPublisher)
	decl("querier", declQuerier)
	decl("sub", declSubscriber)
	decl("queryable", declQueryable)
	decl("pub2", declPublisher)

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"sub", "queryable", "querier", "pub1", "pub2"}, order)
}

// Scenario: a subscriber is declared while its session closes.
// Expect: whichever wins, no route is left behind for the closed session.
func TestRouter_DeclareRacingCloseLeavesNoRoute(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := NewRouter(DefaultRouterConfig())
		sess, err := r.Open()
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = sess.DeclareSubscriber(context.Background(), "k", func(Sample) {})
		}()
		go func() {
			defer wg.Done()
			_ = sess.Close()
		}()
		wg.Wait()

		r.mu.RLock()
		routes := len(r.subs)
		r.mu.RUnlock()
		require.Zero(t, routes, "iteration %d", i)
		require.NoError(t, r.Close())
	}
}

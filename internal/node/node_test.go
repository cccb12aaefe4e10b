package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pubsub-demo/internal/bus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession records declarations and the order registrations are released.
type fakeSession struct {
	mu        sync.Mutex
	declared  []string
	released  []string
	failOn    string
	failUndec string
}

type fakeReg struct {
	s    *fakeSession
	kind string
	ke   string
}

func (r *fakeReg) KeyExpr() string { return r.ke }
func (r *fakeReg) Undeclare() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.released = append(r.s.released, r.kind+":"+r.ke)
	if r.kind+":"+r.ke == r.s.failUndec {
		return errors.New("undeclare failed")
	}
	return nil
}
func (r *fakeReg) Put(context.Context, []byte) error { return nil }
func (r *fakeReg) Get(context.Context, bus.GetOptions, bus.ReplyHandler) (<-chan struct{}, error) {
	return nil, nil
}

func (s *fakeSession) reg(kind, ke string) (*fakeReg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind+":"+ke == s.failOn {
		return nil, errors.New("declare failed")
	}
	s.declared = append(s.declared, kind+":"+ke)
	return &fakeReg{s: s, kind: kind, ke: ke}, nil
}

func (s *fakeSession) ID() string { return "fake" }
func (s *fakeSession) DeclarePublisher(_ context.Context, ke string) (bus.Publisher, error) {
	return s.reg("pub", ke)
}
func (s *fakeSession) DeclareSubscriber(_ context.Context, ke string, _ bus.SampleHandler) (bus.Subscriber, error) {
	return s.reg("sub", ke)
}
func (s *fakeSession) DeclareQueryable(_ context.Context, ke string, _ bus.QueryHandler) (bus.Queryable, error) {
	return s.reg("qbl", ke)
}
func (s *fakeSession) DeclareQuerier(_ context.Context, ke string, _ bus.QuerierOptions) (bus.Querier, error) {
	return s.reg("qr", ke)
}
func (s *fakeSession) Close() error { return nil }

func TestNode_CreateIsIdempotent(t *testing.T) {
	s := &fakeSession{}
	n := New("test", s)
	ctx := context.Background()

	require.NoError(t, n.CreatePublisher(ctx, "a"))
	require.NoError(t, n.CreatePublisher(ctx, "a"))
	require.NoError(t, n.CreateSubscriber(ctx, "b", func(bus.Sample) {}))
	require.NoError(t, n.CreateSubscriber(ctx, "b", func(bus.Sample) {}))
	q1, err := n.CreateQuerier(ctx, "c", bus.QuerierOptions{})
	require.NoError(t, err)
	q2, err := n.CreateQuerier(ctx, "c", bus.QuerierOptions{})
	require.NoError(t, err)
	assert.Same(t, q1, q2)

	assert.Equal(t, []string{"pub:a", "sub:b", "qr:c"}, s.declared)
	assert.True(t, n.HasPublisher("a"))
	assert.True(t, n.HasSubscriber("b"))
	assert.False(t, n.HasQueryable("c"))
}

func TestNode_PublishCreatesLazily(t *testing.T) {
	s := &fakeSession{}
	n := New("test", s)
	require.False(t, n.HasPublisher("k"))
	require.NoError(t, n.Publish(context.Background(), "k", []byte("x")))
	require.NoError(t, n.Publish(context.Background(), "k", []byte("y")))
	assert.True(t, n.HasPublisher("k"))
	assert.Equal(t, []string{"pub:k"}, s.declared)
}

func TestNode_RemoveReleases(t *testing.T) {
	s := &fakeSession{}
	n := New("test", s)
	ctx := context.Background()
	require.NoError(t, n.CreatePublisher(ctx, "a"))
	require.NoError(t, n.CreateQueryable(ctx, "q", func(bus.Query) {}))

	require.NoError(t, n.RemovePublisher("a"))
	require.NoError(t, n.RemovePublisher("a"))
	require.NoError(t, n.RemoveQueryable("q"))
	assert.Equal(t, []string{"pub:a", "qbl:q"}, s.released)
	assert.False(t, n.HasPublisher("a"))
}

// Scenario: node holds one registration of each kind; one release fails.
// Expect: subscribers, queryables, queriers, publishers released in that
// order, every release attempted, and the failure reported.
func TestNode_ShutdownOrder(t *testing.T) {
	s := &fakeSession{failUndec: "qbl:q"}
	n := New("test", s)
	ctx := context.Background()
	require.NoError(t, n.CreatePublisher(ctx, "p"))
	_, err := n.CreateQuerier(ctx, "r", bus.QuerierOptions{})
	require.NoError(t, err)
	require.NoError(t, n.CreateQueryable(ctx, "q", func(bus.Query) {}))
	require.NoError(t, n.CreateSubscriber(ctx, "s", func(bus.Sample) {}))

	err = n.Shutdown()
	assert.ErrorContains(t, err, "undeclare failed")
	assert.Equal(t, []string{"sub:s", "qbl:q", "qr:r", "pub:p"}, s.released)

	assert.NoError(t, n.Shutdown())
	assert.ErrorIs(t, n.CreatePublisher(ctx, "p"), bus.ErrClosed)
	assert.ErrorIs(t, n.Publish(ctx, "p", nil), bus.ErrClosed)
}

func TestNode_DeclareErrorWrapped(t *testing.T) {
	s := &fakeSession{failOn: "sub:bad"}
	n := New("test", s)
	err := n.CreateSubscriber(context.Background(), "bad", func(bus.Sample) {})
	assert.ErrorContains(t, err, `declare subscriber "bad"`)
	assert.False(t, n.HasSubscriber("bad"))
}

func TestNode_OverRouter(t *testing.T) {
	r := bus.NewRouter(bus.DefaultRouterConfig())
	defer r.Close()
	sa, err := r.Open()
	require.NoError(t, err)
	sb, err := r.Open()
	require.NoError(t, err)
	a, b := New("a", sa), New("b", sb)
	ctx := context.Background()

	got := make(chan string, 1)
	require.NoError(t, b.CreateSubscriber(ctx, "vr/1/cmd", func(s bus.Sample) { got <- string(s.Payload) }))
	require.NoError(t, a.Publish(ctx, "vr/1/cmd", []byte("dummy-message-0")))

	select {
	case p := <-got:
		assert.Equal(t, "dummy-message-0", p)
	case <-time.After(2 * time.Second):
		t.Fatal("sample not delivered")
	}
	require.NoError(t, a.Shutdown())
	require.NoError(t, b.Shutdown())
}

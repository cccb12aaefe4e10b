package roles

import (
	"context"
	"errors"
	"testing"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingResponder counts what reaches the requester side of a query.
type recordingResponder struct {
	replies []string
	errs    []string
	drops   int
}

func (r *recordingResponder) SendReply(ke string, payload []byte) error {
	r.replies = append(r.replies, ke+"="+string(payload))
	return nil
}

func (r *recordingResponder) SendError(payload []byte) error {
	r.errs = append(r.errs, string(payload))
	return nil
}

func (r *recordingResponder) Finish() error {
	r.drops++
	return nil
}

func newQuery(ke string) (bus.Query, *recordingResponder) {
	r := &recordingResponder{}
	return bus.NewQuery(bus.QueryInfo{KeyExpr: ke}, r), r
}

// Every branch of answer must drop the query exactly once.
func TestAnswer_DropsOnce(t *testing.T) {
	cases := []struct {
		name    string
		answer  Answer
		replies []string
		errs    []string
	}{
		{
			name:    "echo",
			answer:  Echo("Hello from srv!"),
			replies: []string{"demo/hello=Hello from srv!"},
		},
		{
			name:   "answer error",
			answer: func(bus.Query) (string, []byte, error) { return "", nil, errors.New("boom") },
			errs:   []string{"boom"},
		},
		{
			name:   "answer panic",
			answer: func(bus.Query) (string, []byte, error) { panic("bad state") },
			errs:   []string{"panic: bad state"},
		},
		{
			name:   "reply on foreign key",
			answer: func(bus.Query) (string, []byte, error) { return "other/key", []byte("x"), nil },
			errs:   []string{`reply key does not match query: "other/key" vs "demo/hello"`},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, rec := newQuery("demo/hello")
			assert.NoError(t, answer(q, tc.answer))
			assert.Equal(t, tc.replies, rec.replies)
			assert.Equal(t, tc.errs, rec.errs)
			assert.Equal(t, 1, rec.drops)
			assert.ErrorIs(t, q.Drop(), bus.ErrQueryDropped)
		})
	}
}

func TestRefuse(t *testing.T) {
	q, rec := newQuery("demo/hello")
	refuse(q, logging.For("test"))
	assert.Equal(t, []string{"shutting down"}, rec.errs)
	assert.Equal(t, 1, rec.drops)
}

// Scenario: three queries wait behind one being answered when ctx ends.
// Expect: the running query completes normally; each waiting one gets a
// single "shutting down" error reply and is dropped once.
func TestServeQueries_RefusesQueuedOnCancel(t *testing.T) {
	nodes := newNodes(t, "srv")
	n := nodes[0]

	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	cfg := ResponderConfig{
		KeyExpr: "demo/hello",
		Pace:    time.Millisecond,
		Answer: func(q bus.Query) (string, []byte, error) {
			calls++
			if calls == 1 {
				close(started)
				<-release
			}
			return q.KeyExpr(), []byte("ok"), nil
		},
	}.withDefaults()

	queries := make(chan bus.Query, 4)
	first, firstRec := newQuery("demo/hello")
	queries <- first

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serveQueries(ctx, n, cfg, queries, &syncBuffer{}, logging.For("responder")) }()

	<-started
	var queued []*recordingResponder
	for i := 0; i < 3; i++ {
		q, rec := newQuery("demo/hello")
		queries <- q
		queued = append(queued, rec)
	}
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"demo/hello=ok"}, firstRec.replies)
	assert.Equal(t, 1, firstRec.drops)
	for i, rec := range queued {
		assert.Empty(t, rec.replies, "query %d", i)
		assert.Equal(t, []string{"shutting down"}, rec.errs, "query %d", i)
		assert.Equal(t, 1, rec.drops, "query %d", i)
	}
	assert.Empty(t, queries)
}

// Scenario: a responder with a live queryable is interrupted.
// Expect: the queryable is released and RunResponder returns nil.
func TestRunResponder_ReleasesOnCancel(t *testing.T) {
	nodes := newNodes(t, "srv")
	ctx, cancel := context.WithCancel(context.Background())
	errc := startResponder(t, ctx, nodes[0], ResponderConfig{Out: &syncBuffer{}})
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
	}
	assert.False(t, nodes[0].HasQueryable(DefaultQueryKey))
}

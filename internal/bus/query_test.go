package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	replies  []string
	errs     []string
	finished int
}

func (f *fakeResponder) SendReply(ke string, p []byte) error {
	f.replies = append(f.replies, ke+"="+string(p))
	return nil
}

func (f *fakeResponder) SendError(p []byte) error {
	f.errs = append(f.errs, string(p))
	return nil
}

func (f *fakeResponder) Finish() error {
	f.finished++
	return nil
}

func TestQuery_Lifecycle(t *testing.T) {
	r := &fakeResponder{}
	q := NewQuery(QueryInfo{KeyExpr: "demo/*", Parameters: "seq=3"}, r)

	assert.Equal(t, "demo/*?seq=3", q.Selector())
	assert.Equal(t, "seq=3", q.Parameters())

	require.NoError(t, q.Reply("demo/a", []byte("x")))
	require.NoError(t, q.ReplyErr([]byte("e")))
	require.NoError(t, q.Drop())

	assert.ErrorIs(t, q.Drop(), ErrQueryDropped)
	assert.ErrorIs(t, q.Reply("demo/a", []byte("y")), ErrQueryDropped)
	assert.ErrorIs(t, q.ReplyErr([]byte("e")), ErrQueryDropped)

	assert.Equal(t, []string{"demo/a=x"}, r.replies)
	assert.Equal(t, []string{"e"}, r.errs)
	assert.Equal(t, 1, r.finished)
}

func TestQuery_ReplyKeyMustIntersect(t *testing.T) {
	r := &fakeResponder{}
	q := NewQuery(QueryInfo{KeyExpr: "demo/a"}, r)
	assert.ErrorIs(t, q.Reply("other/a", nil), ErrKeyMismatch)
	assert.Error(t, q.Reply("bad//key", nil))
	assert.Empty(t, r.replies)
}

func TestQueryTracker_DeliverThenFinish(t *testing.T) {
	tr := NewQueryTracker()
	var n atomic.Int32
	id, done := tr.Start(context.Background(), time.Minute, func(Reply) { n.Add(1) })

	assert.True(t, tr.Deliver(id, Reply{Sample: &Sample{KeyExpr: "k"}}))
	tr.Finish(id)
	<-done
	assert.False(t, tr.Deliver(id, Reply{}))
	assert.EqualValues(t, 1, n.Load())
	assert.Zero(t, tr.Len())
}

func TestQueryTracker_Timeout(t *testing.T) {
	tr := NewQueryTracker()
	var got []Reply
	_, done := tr.Start(context.Background(), 10*time.Millisecond, func(r Reply) { got = append(got, r) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	require.Len(t, got, 1)
	assert.Equal(t, "timeout", string(got[0].Err))
}

func TestQueryTracker_FailAll(t *testing.T) {
	tr := NewQueryTracker()
	var n atomic.Int32
	_, d1 := tr.Start(context.Background(), time.Minute, func(Reply) { n.Add(1) })
	_, d2 := tr.Start(context.Background(), time.Minute, func(Reply) { n.Add(1) })
	tr.FailAll(ErrClosed)
	<-d1
	<-d2
	assert.EqualValues(t, 2, n.Load())
}

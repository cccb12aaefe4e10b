package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureStore struct {
	mu    sync.Mutex
	items []model.Sample
	fail  bool
}

func (s *captureStore) SaveSample(smp model.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("save failed")
	}
	s.items = append(s.items, smp)
	return nil
}

func (s *captureStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *captureStore) ListKeys() ([]string, error) { return nil, nil }
func (s *captureStore) QuerySamples(string, *time.Time, *time.Time) ([]model.Sample, error) {
	return nil, nil
}
func (s *captureStore) Close() error { return nil }

func withTicker(t *testing.T, d time.Duration) {
	t.Helper()
	logging.Discard()
	old := tickerFn
	tickerFn = func(time.Duration) *time.Ticker { return time.NewTicker(d) }
	t.Cleanup(func() { tickerFn = old })
}

func sample(i int) model.Sample {
	return model.Sample{KeyExpr: "vr/1/states", Timestamp: time.Now(), Payload: []byte{byte(i)}}
}

func TestRecorder_FlushOnSize(t *testing.T) {
	withTicker(t, 24*time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.Sample, 10)
	st := &captureStore{}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, in, st, Config{Batch: 3, Workers: 1}) }()

	for i := 0; i < 3; i++ {
		in <- sample(i)
	}
	require.Eventually(t, func() bool { return st.count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRecorder_FlushOnTimer(t *testing.T) {
	withTicker(t, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.Sample, 1)
	st := &captureStore{}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, in, st, Config{Batch: 100, Workers: 1}) }()

	in <- sample(0)
	require.Eventually(t, func() bool { return st.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

// Scenario: fewer samples than a batch arrive, then the input closes.
// Expect: the partial batch is written before Run returns.
func TestRecorder_GracefulFlushOnClose(t *testing.T) {
	withTicker(t, 24*time.Hour)
	in := make(chan model.Sample, 10)
	st := &captureStore{}
	for i := 0; i < 5; i++ {
		in <- sample(i)
	}
	close(in)

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), in, st, Config{Batch: 100, Workers: 2}) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for recorder to finish")
	}
	assert.Equal(t, 5, st.count())
}

func TestRecorder_SaveErrorsDoNotStop(t *testing.T) {
	withTicker(t, 24*time.Hour)
	in := make(chan model.Sample, 2)
	st := &captureStore{fail: true}
	in <- sample(0)
	close(in)
	require.NoError(t, Run(context.Background(), in, st, Config{Batch: 1}))
	assert.Equal(t, 0, st.count())
}

func TestSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan model.Sample, 1)
	h := Sink(ctx, in)

	h(bus.Sample{KeyExpr: "k", Payload: []byte("p")})
	got := <-in
	assert.Equal(t, "k", got.KeyExpr)
	assert.Equal(t, []byte("p"), got.Payload)
	assert.False(t, got.Timestamp.IsZero())

	// a full channel no longer blocks once ctx is done
	in <- model.Sample{}
	cancel()
	h(bus.Sample{KeyExpr: "dropped"})
	assert.Len(t, in, 1)
}

func TestRecord_FlushesWhenBodyReturns(t *testing.T) {
	withTicker(t, 24*time.Hour)
	st := &captureStore{}
	err := Record(context.Background(), st, Config{Batch: 100}, func(sink bus.SampleHandler) error {
		for i := 0; i < 3; i++ {
			sink(bus.Sample{KeyExpr: "vr/1/states", Payload: []byte{byte(i)}})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, st.count())
}

func TestRecord_ReturnsBodyError(t *testing.T) {
	withTicker(t, 24*time.Hour)
	boom := errors.New("subscribe failed")
	err := Record(context.Background(), &captureStore{}, Config{}, func(bus.SampleHandler) error { return boom })
	assert.ErrorIs(t, err, boom)
}

// slowStore takes a while per save and tracks saves still running.
type slowStore struct {
	captureStore
	delay    time.Duration
	inFlight atomic.Int32
}

func (s *slowStore) SaveSample(smp model.Sample) error {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	time.Sleep(s.delay)
	return s.captureStore.SaveSample(smp)
}

// Scenario: writes are slower than the shutdown timeout allows.
// Expect: Run drops the unsaved rest and returns with no save running.
func TestRecorder_ShutdownTimeoutLeavesStoreIdle(t *testing.T) {
	withTicker(t, 24*time.Hour)
	in := make(chan model.Sample, 10)
	st := &slowStore{delay: 30 * time.Millisecond}
	for i := 0; i < 10; i++ {
		in <- sample(i)
	}
	close(in)

	require.NoError(t, Run(context.Background(), in, st, Config{Batch: 1, Workers: 2, ShutdownTimeout: 40 * time.Millisecond}))
	assert.Zero(t, st.inFlight.Load())
	saved := st.count()
	assert.Less(t, saved, 10)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, saved, st.count(), "store written after Run returned")
}

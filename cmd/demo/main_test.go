package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"pubsub-demo/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Scenario: the demo runs for a bounded duration with fast intervals.
// Expect: every role prints its lines and run returns cleanly.
func TestRun_AllRoles(t *testing.T) {
	logging.Discard()
	cfg, err := loader().Load([]string{"--duration=600ms", "--pub_interval=20ms", "--query_interval=100ms"})
	require.NoError(t, err)

	out := &syncBuffer{}
	start := time.Now()
	require.NoError(t, run(context.Background(), cfg, out))
	assert.Less(t, time.Since(start), 3*time.Second)

	got := out.String()
	for _, want := range []string{
		"Published: dummy-message-0",
		"Received on vr/1/cmd: dummy-message-0",
		"Sending query #0",
		"Received query: selector=demo/hello?seq=0",
		"Got reply: demo/hello => Hello from srv!",
	} {
		assert.Contains(t, got, want)
	}

	// samples print in publish order
	first := strings.Index(got, "Received on vr/1/cmd: dummy-message-0")
	second := strings.Index(got, "Received on vr/1/cmd: dummy-message-1")
	require.GreaterOrEqual(t, second, 0)
	assert.Less(t, first, second)
}

func TestSubscriberKeys(t *testing.T) {
	assert.Equal(t, []string{"vr/1/states", "vr/1/cmd"}, subscriberKeys([]string{"vr/1/states"}, "vr/1/cmd"))
	assert.Equal(t, []string{"vr/**"}, subscriberKeys([]string{"vr/**"}, "vr/1/cmd"))
}

func TestRun_InvalidStore(t *testing.T) {
	cfg, err := loader().Load([]string{"--duration=10ms"})
	require.NoError(t, err)
	cfg.Storage.Kind = "tape"
	assert.ErrorContains(t, run(context.Background(), cfg, &syncBuffer{}), "unknown storage kind")
}

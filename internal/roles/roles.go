// Package roles implements the four demo loops: publisher, subscriber, query
// responder and query requester. Each loop runs on a node until its context
// is cancelled and returns nil on cancellation. Console lines go to the
// configured writer; operational events go to the logger.
package roles

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"pubsub-demo/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "publisher", Name: "samples_published_total", Help: "Samples put by the publisher role.",
	})
	metricReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "subscriber", Name: "samples_received_total", Help: "Samples delivered to the subscriber role.",
	}, []string{"key"})
	metricAnswered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "responder", Name: "queries_answered_total", Help: "Queries answered by the responder role, by outcome.",
	}, []string{"outcome"})
	metricQueriesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "requester", Name: "queries_sent_total", Help: "Queries issued by the requester role.",
	})
	metricReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "requester", Name: "replies_total", Help: "Replies received by the requester role, by outcome.",
	}, []string{"outcome"})
	metricQueryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace, Subsystem: "requester", Name: "query_duration_seconds", Help: "Time from Get to query completion.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(metricPublished, metricReceived, metricAnswered, metricQueriesSent, metricReplies, metricQueryLatency)
}

// sleep waits for d or until ctx is done. It reports whether the full pause
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// console serializes writes from handlers running on different goroutines.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	if w == nil {
		w = os.Stdout
	}
	return &console{w: w}
}

func (c *console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

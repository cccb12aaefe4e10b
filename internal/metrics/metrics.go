package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"pubsub-demo/internal/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric the demo exports.
const Namespace = "pubsub"

// Start serves /metrics on addr in the background until ctx is done. An
// empty addr disables the endpoint. The returned channel closes once the
// server has stopped.
func Start(ctx context.Context, addr string) (<-chan struct{}, error) {
	done := make(chan struct{})
	if addr == "" {
		close(done)
		return done, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log := logging.For("metrics")
	log.Infof("serving on %s", lis.Addr())
	go func() {
		defer close(done)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("serve error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return done, nil
}

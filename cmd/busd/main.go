// Command busd is the router daemon the router bus mode connects to. It
// routes puts and queries between every client session over gRPC.
package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pubsub-demo/internal/app"
	"pubsub-demo/internal/broker"
	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/config"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/metrics"
	"pubsub-demo/internal/wire"
)

const stopGrace = 5 * time.Second

func main() {
	l := config.NewLoader("busd")
	l.String("listen", "busd.listen", "gRPC listen addr")
	l.Int("mailbox_size", "busd.mailbox_size", "per-registration delivery queue length")
	l.Int("send_buffer", "busd.send_buffer", "per-client outbound frame buffer")
	cfg := app.LoadConfig("busd", l)
	logging.Init(cfg.Log.Level)
	log := logging.For("busd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.Busd.Listen)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	metricsDone, err := metrics.Start(ctx, cfg.Metrics.Addr)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	if err := serve(ctx, lis, cfg.Busd); err != nil {
		log.Fatalf("serve: %v", err)
	}
	<-metricsDone
}

// serve runs the router service on lis until ctx is done, then stops
// gracefully, cutting off clients still connected after stopGrace. The
// router is closed on every path out.
func serve(ctx context.Context, lis net.Listener, cfg config.BusdConfig) (err error) {
	log := logging.For("busd")
	router := bus.NewRouter(bus.RouterConfig{MailboxSize: cfg.MailboxSize})
	defer func() { err = multierr.Append(err, router.Close()) }()

	grpcServer := grpc.NewServer()

	// health service
	h := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h)
	h.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_SERVING)

	wire.RegisterRouterServer(grpcServer, broker.NewServer(router, cfg.SendBuffer))

	errc := make(chan error, 1)
	go func() {
		log.Infof("gRPC listening on %s", lis.Addr())
		errc <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down, %d sessions open", router.Sessions())
	h.Shutdown()
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopGrace):
		log.Warnf("clients still connected after %s; closing them", stopGrace)
		grpcServer.Stop()
		<-stopped
	}
	if err := <-errc; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

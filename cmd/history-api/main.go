// Command history-api serves the samples a recording subscriber stored.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pubsub-demo/internal/app"
	"pubsub-demo/internal/config"
	"pubsub-demo/internal/history"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/storage"

	"go.uber.org/multierr"
)

const shutdownTimeout = 10 * time.Second

func main() {
	l := config.NewLoader("history-api")
	l.String("addr", "history.addr", "HTTP listen address")
	l.String("store", "storage.kind", "sample store: memory|sqlite|influx")
	l.String("sqlite_dsn", "storage.sqlite_dsn", "SQLite DSN (store=sqlite)")
	l.String("influx_url", "storage.influx.url", "InfluxDB URL (store=influx)")
	l.String("influx_org", "storage.influx.org", "InfluxDB organization")
	l.String("influx_bucket", "storage.influx.bucket", "InfluxDB bucket")
	l.String("influx_token", "storage.influx.token", "InfluxDB API token")
	cfg := app.LoadConfig("history-api", l)
	logging.Init(cfg.Log.Level)
	log := logging.For("history-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, cfg)
	stop()
	if err != nil {
		log.Errorf("failed: %v", err)
	}
	os.Exit(app.ExitCode(err))
}

// run opens the configured store, serves it until ctx is done and closes
// the store on every path out.
func run(ctx context.Context, cfg *config.Config) (err error) {
	log := logging.For("history-api")
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if store == nil {
		log.Warn("no store configured; serving an empty in-memory store")
		store = storage.NewMemoryStore()
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	lis, err := net.Listen("tcp", cfg.History.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Infof("listening on %s with /api/v1 endpoints (%s store)", lis.Addr(), cfg.Storage.Kind)
	return serve(ctx, lis, store)
}

// serve answers history requests on lis until ctx is done or the server
// fails, then shuts down gracefully.
func serve(ctx context.Context, lis net.Listener, store storage.Store) error {
	server := &http.Server{Handler: history.NewHandler(store), ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- server.Serve(lis) }()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

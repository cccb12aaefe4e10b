// Package app runs one role process: open the bus, run the role until it
// returns or the process is interrupted, then release everything in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pubsub-demo/internal/config"
	"pubsub-demo/internal/connect"
	"pubsub-demo/internal/logging"
	"pubsub-demo/internal/metrics"
	"pubsub-demo/internal/node"
	"pubsub-demo/internal/scope"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

// Body is a role loop. It returns nil when ctx is cancelled.
type Body func(ctx context.Context, n *node.Node) error

// Run opens a session, hands body a node over it and, once body returns,
// releases the node's registrations before closing the session. Every
// release is attempted even if an earlier one fails.
func Run(ctx context.Context, name string, open connect.Opener, body Body) error {
	sess, err := open(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	sc := scope.New()
	_ = sc.Defer("session", sess.Close)
	n := node.New(name, sess)
	_ = sc.Defer("registrations", n.Shutdown)

	log := logging.For(name).WithField("session", sess.ID())
	log.Info("running")
	runErr := body(ctx, n)
	if runErr != nil && errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		runErr = nil
	}
	if ctx.Err() != nil {
		log.Info("interrupted, releasing")
	}
	return multierr.Append(runErr, sc.Close())
}

// LoadConfig parses the command line with l. It exits the process with
// status 0 for --help and 2 for a bad command line or config.
func LoadConfig(name string, l *config.Loader) *config.Config {
	cfg, err := l.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(2)
	}
	return cfg
}

// ExitCode maps a Run result to the process exit code.
func ExitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

// Main wires logging, metrics and interrupt handling around Run and returns
// the process exit code.
func Main(name string, cfg *config.Config, body Body) int {
	logging.Init(cfg.Log.Level)
	log := logging.For(name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsDone, err := metrics.Start(ctx, cfg.Metrics.Addr)
	if err != nil {
		log.Errorf("metrics: %v", err)
		return 1
	}

	err = Run(ctx, name, connect.FromConfig(cfg.Bus), body)
	stop()
	<-metricsDone
	if err != nil {
		log.Errorf("failed: %v", err)
	} else {
		log.Info("stopped")
	}
	return ExitCode(err)
}

// Package connect opens a bus session for the configured backend.
package connect

import (
	"context"
	"fmt"
	"sync"

	"pubsub-demo/internal/bus"
	"pubsub-demo/internal/bus/grpcbus"
	"pubsub-demo/internal/bus/natsbus"
	"pubsub-demo/internal/bus/p2pbus"
	"pubsub-demo/internal/config"
)

var (
	memOnce   sync.Once
	memRouter *bus.Router
)

// Memory returns the process-wide in-process router used by mode "memory".
func Memory() *bus.Router {
	memOnce.Do(func() { memRouter = bus.NewRouter(bus.DefaultRouterConfig()) })
	return memRouter
}

// Opener opens a session; app.Run takes one so commands and tests can swap
// the backend.
type Opener func(ctx context.Context) (bus.Session, error)

// FromConfig returns an Opener for cfg.
func FromConfig(cfg config.BusConfig) Opener {
	return func(ctx context.Context) (bus.Session, error) { return Open(ctx, cfg) }
}

// Open connects to the backend selected by cfg.Mode.
func Open(ctx context.Context, cfg config.BusConfig) (bus.Session, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var (
		s   bus.Session
		err error
	)
	switch cfg.Mode {
	case "", "router":
		s, err = grpcbus.Dial(ctx, grpcbus.Options{Addr: cfg.Router})
	case "nats":
		opts := natsbus.DefaultOptions()
		opts.URL = cfg.NATSURL
		if cfg.ConnectTimeout > 0 {
			opts.ConnectTimeout = cfg.ConnectTimeout
		}
		s, err = natsbus.Dial(ctx, opts)
	case "libp2p":
		s, err = p2pbus.Dial(ctx, p2pbus.Options{
			ListenAddrs:     cfg.Libp2p.Listen,
			Bootstrap:       cfg.Libp2p.Bootstrap,
			Rendezvous:      cfg.Libp2p.Rendezvous,
			EnableMDNS:      cfg.Libp2p.MDNS,
			IdentityKeyFile: cfg.Libp2p.IdentityKey,
		})
	case "memory":
		s, err = Memory().Open()
	default:
		return nil, fmt.Errorf("open bus: unknown mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("open bus (mode=%s): %w", cfg.Mode, err)
	}
	return s, nil
}

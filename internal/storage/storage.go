package storage

import (
	"fmt"
	"time"

	"pubsub-demo/internal/config"
	"pubsub-demo/internal/model"
)

type Store interface {
	SaveSample(s model.Sample) error
	ListKeys() ([]string, error)
	// QuerySamples returns the samples recorded under key, oldest first,
	// limited to [start, end] when those are set.
	QuerySamples(key string, start, end *time.Time) ([]model.Sample, error)
	Close() error
}

// Open builds the store selected by cfg.Kind. Kind "none" returns a nil
// Store and no error.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		st, err := NewSQLiteStore(cfg.SQLiteDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "influx":
		st, err := NewInfluxStore(cfg.Influx.URL, cfg.Influx.Org, cfg.Influx.Bucket, cfg.Influx.Token)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader("test").Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "router", cfg.Bus.Mode)
	assert.Equal(t, "127.0.0.1:7447", cfg.Bus.Router)
	assert.Equal(t, "vr/1/cmd", cfg.Publisher.Key)
	assert.Equal(t, time.Second, cfg.Publisher.Interval)
	assert.Equal(t, []string{"vr/1/states"}, cfg.Subscriber.Keys)
	assert.Equal(t, "demo/hello", cfg.Queryable.Key)
	assert.Equal(t, "Hello from srv!", cfg.Queryable.Reply)
	assert.Equal(t, 100*time.Millisecond, cfg.Queryable.Pace)
	assert.Equal(t, 3*time.Second, cfg.Querier.Timeout)
	assert.Equal(t, "none", cfg.Storage.Kind)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
bus:
  mode: nats
  nats_url: nats://from-file:4222
publisher:
  key: vr/1/states
  interval: 250ms
querier:
  timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("PUBSUB_QUERIER_TIMEOUT", "7s")
	t.Setenv("PUBSUB_LOG_LEVEL", "debug")

	l := NewLoader("test")
	l.Int("count", "publisher.count", "messages to send")
	cfg, err := l.Load([]string{"--config", path, "--nats_url", "nats://from-flag:4222", "--count", "3"})
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.Bus.Mode)
	assert.Equal(t, "nats://from-flag:4222", cfg.Bus.NATSURL, "flag beats file")
	assert.Equal(t, "vr/1/states", cfg.Publisher.Key)
	assert.Equal(t, 250*time.Millisecond, cfg.Publisher.Interval)
	assert.Equal(t, 7*time.Second, cfg.Querier.Timeout, "env beats file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Publisher.Count)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := NewLoader("test").Load([]string{"--bus_mode", "carrier-pigeon"})
	assert.ErrorContains(t, err, "bus.mode")

	_, err = NewLoader("test").Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

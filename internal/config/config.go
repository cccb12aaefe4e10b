package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: bus.mode -> PUBSUB_BUS_MODE.
const EnvPrefix = "PUBSUB"

type BusConfig struct {
	// Mode selects the backend: router, nats, libp2p or memory.
	Mode           string        `mapstructure:"mode"`
	Router         string        `mapstructure:"router"`
	NATSURL        string        `mapstructure:"nats_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Libp2p         Libp2pConfig  `mapstructure:"libp2p"`
}

type Libp2pConfig struct {
	Listen      []string `mapstructure:"listen"`
	Bootstrap   []string `mapstructure:"bootstrap"`
	MDNS        bool     `mapstructure:"mdns"`
	Rendezvous  string   `mapstructure:"rendezvous"`
	IdentityKey string   `mapstructure:"identity_key"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

type StorageConfig struct {
	// Kind is none, memory, sqlite or influx.
	Kind      string       `mapstructure:"kind"`
	SQLiteDSN string       `mapstructure:"sqlite_dsn"`
	Influx    InfluxConfig `mapstructure:"influx"`
}

type RecorderConfig struct {
	Batch         int           `mapstructure:"batch"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Workers       int           `mapstructure:"workers"`
}

type PublisherConfig struct {
	Key      string        `mapstructure:"key"`
	Interval time.Duration `mapstructure:"interval"`
	Format   string        `mapstructure:"format"`
	Count    int           `mapstructure:"count"`
}

type SubscriberConfig struct {
	Keys []string `mapstructure:"keys"`
}

type QueryableConfig struct {
	Key   string        `mapstructure:"key"`
	Reply string        `mapstructure:"reply"`
	Pace  time.Duration `mapstructure:"pace"`
}

type QuerierConfig struct {
	Key      string        `mapstructure:"key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
	Count    int           `mapstructure:"count"`
}

type BusdConfig struct {
	Listen      string `mapstructure:"listen"`
	MailboxSize int    `mapstructure:"mailbox_size"`
	SendBuffer  int    `mapstructure:"send_buffer"`
}

type HistoryConfig struct {
	Addr string `mapstructure:"addr"`
}

type DemoConfig struct {
	// Duration stops the demo after this long; zero runs until interrupted.
	Duration time.Duration `mapstructure:"duration"`
	// HistoryAddr serves recorded samples over HTTP when set.
	HistoryAddr string `mapstructure:"history_addr"`
}

type Config struct {
	Bus        BusConfig        `mapstructure:"bus"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Recorder   RecorderConfig   `mapstructure:"recorder"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	Queryable  QueryableConfig  `mapstructure:"queryable"`
	Querier    QuerierConfig    `mapstructure:"querier"`
	Busd       BusdConfig       `mapstructure:"busd"`
	History    HistoryConfig    `mapstructure:"history"`
	Demo       DemoConfig       `mapstructure:"demo"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.mode", "router")
	v.SetDefault("bus.router", "127.0.0.1:7447")
	v.SetDefault("bus.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.connect_timeout", 5*time.Second)
	v.SetDefault("bus.libp2p.listen", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("bus.libp2p.bootstrap", []string{})
	v.SetDefault("bus.libp2p.mdns", true)
	v.SetDefault("bus.libp2p.rendezvous", "pubsub-demo")
	v.SetDefault("bus.libp2p.identity_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("storage.kind", "none")
	v.SetDefault("storage.sqlite_dsn", "file:samples.db?_pragma=busy_timeout(5000)")
	v.SetDefault("storage.influx.url", "http://localhost:8086")
	v.SetDefault("storage.influx.token", "")
	v.SetDefault("storage.influx.org", "pubsub")
	v.SetDefault("storage.influx.bucket", "samples")

	v.SetDefault("recorder.batch", 100)
	v.SetDefault("recorder.flush_interval", time.Second)
	v.SetDefault("recorder.workers", 2)

	v.SetDefault("publisher.key", "vr/1/cmd")
	v.SetDefault("publisher.interval", time.Second)
	v.SetDefault("publisher.format", "dummy-message-%d")
	v.SetDefault("publisher.count", 0)

	v.SetDefault("subscriber.keys", []string{"vr/1/states"})

	v.SetDefault("queryable.key", "demo/hello")
	v.SetDefault("queryable.reply", "Hello from srv!")
	v.SetDefault("queryable.pace", 100*time.Millisecond)

	v.SetDefault("querier.key", "demo/hello")
	v.SetDefault("querier.timeout", 3*time.Second)
	v.SetDefault("querier.interval", time.Second)
	v.SetDefault("querier.count", 0)

	v.SetDefault("busd.listen", ":7447")
	v.SetDefault("busd.mailbox_size", 256)
	v.SetDefault("busd.send_buffer", 256)

	v.SetDefault("history.addr", ":8080")

	v.SetDefault("demo.duration", time.Duration(0))
	v.SetDefault("demo.history_addr", "")
}

// Loader layers configuration: defaults, then the optional YAML file named
// by --config, then PUBSUB_* environment variables, then command-line flags.
type Loader struct {
	v  *viper.Viper
	fs *pflag.FlagSet
}

// NewLoader returns a loader with the flags every command shares.
func NewLoader(name string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	l := &Loader{v: v, fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	l.fs.String("config", "", "YAML config file")
	l.String("bus_mode", "bus.mode", "bus backend: router|nats|libp2p|memory")
	l.String("router_addr", "bus.router", "router daemon address (bus_mode=router)")
	l.String("nats_url", "bus.nats_url", "NATS server URL (bus_mode=nats)")
	l.StringSlice("p2p_listen", "bus.libp2p.listen", "libp2p listen multiaddrs (bus_mode=libp2p)")
	l.StringSlice("p2p_bootstrap", "bus.libp2p.bootstrap", "libp2p bootstrap peers (bus_mode=libp2p)")
	l.String("log_level", "log.level", "log level")
	l.String("metrics_addr", "metrics.addr", "Prometheus listen addr, empty to disable")
	return l
}

func (l *Loader) bind(name, key string) {
	if err := l.v.BindPFlag(key, l.fs.Lookup(name)); err != nil {
		panic(fmt.Sprintf("config: bind %s: %v", name, err))
	}
}

// String adds a flag whose default is the current value of key.
func (l *Loader) String(name, key, usage string) {
	l.fs.String(name, l.v.GetString(key), usage)
	l.bind(name, key)
}

func (l *Loader) Int(name, key, usage string) {
	l.fs.Int(name, l.v.GetInt(key), usage)
	l.bind(name, key)
}

func (l *Loader) Duration(name, key, usage string) {
	l.fs.Duration(name, l.v.GetDuration(key), usage)
	l.bind(name, key)
}

func (l *Loader) StringSlice(name, key, usage string) {
	l.fs.StringSlice(name, l.v.GetStringSlice(key), usage)
	l.bind(name, key)
}

// Load parses args and returns the merged configuration.
func (l *Loader) Load(args []string) (*Config, error) {
	if err := l.fs.Parse(args); err != nil {
		return nil, err
	}
	if path, _ := l.fs.GetString("config"); path != "" {
		l.v.SetConfigFile(path)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	switch c.Bus.Mode {
	case "router", "nats", "libp2p", "memory":
	default:
		return fmt.Errorf("invalid bus.mode %q", c.Bus.Mode)
	}
	switch c.Storage.Kind {
	case "none", "memory", "sqlite", "influx":
	default:
		return fmt.Errorf("invalid storage.kind %q", c.Storage.Kind)
	}
	if c.Publisher.Interval <= 0 {
		return fmt.Errorf("publisher.interval must be positive")
	}
	if c.Querier.Interval <= 0 {
		return fmt.Errorf("querier.interval must be positive")
	}
	if c.Querier.Timeout <= 0 {
		return fmt.Errorf("querier.timeout must be positive")
	}
	if c.Demo.Duration < 0 {
		return fmt.Errorf("demo.duration must not be negative")
	}
	if c.Queryable.Pace < 0 {
		return fmt.Errorf("queryable.pace must not be negative")
	}
	if c.Recorder.Batch <= 0 {
		c.Recorder.Batch = 100
	}
	if c.Recorder.Workers <= 0 {
		c.Recorder.Workers = 1
	}
	if c.Recorder.FlushInterval <= 0 {
		c.Recorder.FlushInterval = time.Second
	}
	return nil
}

package agenda

import (
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultProcessEvery   = 5 * time.Second
	DefaultConcurrency    = 5
	DefaultMaxConcurrency = 20
	DefaultLockLifetime   = 10 * time.Minute
	DefaultTable          = "agendaJobs"
)

type Option[T any] func(*T)

type Config struct {
	name                string
	processEvery        time.Duration
	defaultConcurrency  int
	maxConcurrency      int
	defaultLockLimit    int
	lockLimit           int
	defaultLockLifetime time.Duration
	table               string
	logger              *zap.SugaredLogger
	listeners           map[string][]Listener
}

func DefaultConfig(options ...Option[Config]) *Config {
	config := &Config{
		name:                defaultName(),
		processEvery:        DefaultProcessEvery,
		defaultConcurrency:  DefaultConcurrency,
		maxConcurrency:      DefaultMaxConcurrency,
		defaultLockLifetime: DefaultLockLifetime,
		table:               DefaultTable,
		logger:              zap.NewNop().Sugar(),
		listeners:           make(map[string][]Listener),
	}

	for _, option := range options {
		option(config)
	}

	return config
}

// WithName sets the name stamped on every saved job as lastModifiedBy.
func WithName(name string) Option[Config] {
	return func(config *Config) {
		config.name = name
	}
}

func WithProcessEvery(d time.Duration) Option[Config] {
	return func(config *Config) {
		if d > 0 {
			config.processEvery = d
		}
	}
}

func WithDefaultConcurrency(n int) Option[Config] {
	return func(config *Config) {
		if n > 0 {
			config.defaultConcurrency = n
		}
	}
}

func WithMaxConcurrency(n int) Option[Config] {
	return func(config *Config) {
		if n > 0 {
			config.maxConcurrency = n
		}
	}
}

// WithDefaultLockLimit sets the per-definition lock limit used when a
// definition does not set one. Zero means unbounded.
func WithDefaultLockLimit(n int) Option[Config] {
	return func(config *Config) {
		config.defaultLockLimit = max(n, 0)
	}
}

// WithLockLimit caps the number of jobs this scheduler holds locked at once.
// Zero means unbounded.
func WithLockLimit(n int) Option[Config] {
	return func(config *Config) {
		config.lockLimit = max(n, 0)
	}
}

func WithDefaultLockLifetime(d time.Duration) Option[Config] {
	return func(config *Config) {
		if d > 0 {
			config.defaultLockLifetime = d
		}
	}
}

// WithTable names the jobs table of stores opened by OpenPostgres and
// OpenSQLite.
func WithTable(table string) Option[Config] {
	return func(config *Config) {
		config.table = table
	}
}

func WithLogger(logger *zap.SugaredLogger) Option[Config] {
	return func(config *Config) {
		if logger != nil {
			config.logger = logger
		}
	}
}

// WithListener subscribes l before the scheduler exists, so that events
// emitted by Open (ready, error) are not missed.
func WithListener(event string, l Listener) Option[Config] {
	return func(config *Config) {
		config.listeners[event] = append(config.listeners[event], l)
	}
}

func (c *Config) Name() string                       { return c.name }
func (c *Config) ProcessEvery() time.Duration        { return c.processEvery }
func (c *Config) DefaultConcurrency() int            { return c.defaultConcurrency }
func (c *Config) MaxConcurrency() int                { return c.maxConcurrency }
func (c *Config) DefaultLockLimit() int              { return c.defaultLockLimit }
func (c *Config) LockLimit() int                     { return c.lockLimit }
func (c *Config) DefaultLockLifetime() time.Duration { return c.defaultLockLifetime }
func (c *Config) Table() string                      { return c.table }

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agenda"
	}

	return host + "-" + uuid.NewString()[:8]
}

package fossawork

import (
	"context"
	"log/slog"
)

// Option configures a Controller.
type Option func(*Controller) error

// Storer is the minimal store interface held by the Controller.
// It covers lifecycle operations only; the full composite interface
// (store.Store) is asserted in the engine layer, which sits above the
// subsystem packages and therefore creates no import cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// hookEmitter is an internal interface for lifecycle shutdown events.
type hookEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Controller is the central coordinator for automation job processing.
//
// Create one with New() and functional options, then use engine.Build to
// wire the job registry, worker pool, broker, and scheduler around it.
type Controller struct {
	config Config
	logger *slog.Logger
	store  Storer
	hooks  hookEmitter
	pool   poolRunner

	started bool
}

// New creates a new Controller with the given options.
func New(opts ...Option) (*Controller, error) {
	c := &Controller{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the controller's logger.
func (c *Controller) Logger() *slog.Logger { return c.logger }

// Store returns the controller's store.
func (c *Controller) Store() Storer { return c.store }

// Config returns a copy of the controller's configuration.
func (c *Controller) Config() Config { return c.config }

// SetPool sets the worker pool (called by the engine layer).
func (c *Controller) SetPool(p poolRunner) { c.pool = p }

// SetHooks sets the hook emitter (called by the engine layer).
func (c *Controller) SetHooks(h hookEmitter) { c.hooks = h }

// Start begins job processing.
func (c *Controller) Start(ctx context.Context) error {
	if c.pool == nil {
		return ErrNoStore
	}
	if err := c.pool.Start(ctx); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Stop gracefully shuts down the controller.
func (c *Controller) Stop(ctx context.Context) error {
	if c.pool != nil && c.started {
		if err := c.pool.Stop(ctx); err != nil {
			c.logger.Error("pool stop error", "error", err)
		}
	}
	if c.hooks != nil {
		c.hooks.EmitShutdown(ctx)
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(n int) Option {
	return func(c *Controller) error {
		c.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues the controller will poll.
func WithQueues(queues []string) Option {
	return func(c *Controller) error {
		c.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger for the controller.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the controller.
func WithStore(s Storer) Option {
	return func(c *Controller) error {
		c.store = s
		return nil
	}
}

// WithConfig replaces the full configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) error {
		c.config = cfg
		return nil
	}
}

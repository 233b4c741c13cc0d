package synckit

import (
	"errors"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
)

// DefaultRemoteTimeout bounds every remote call.
const DefaultRemoteTimeout = 5 * time.Second

// Option is a functional option for configuring a Coordinator via NewCoordinator.
type Option func(*Coordinator) error

// WithStore injects the local store. Required.
func WithStore(s LocalStore) Option {
	return func(c *Coordinator) error {
		if s == nil {
			return errors.New("store must not be nil")
		}
		c.store = s
		return nil
	}
}

// WithRemote injects the remote cart service. Without one the coordinator
// only works in guest mode.
func WithRemote(r RemoteCartService) Option {
	return func(c *Coordinator) error {
		c.remote = r
		return nil
	}
}

// WithLogger sets a custom logger for the Coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(c *Coordinator) error {
		if m != nil {
			c.metrics = m
		}
		return nil
	}
}

// WithRemoteTimeout sets the per-call remote timeout.
func WithRemoteTimeout(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d <= 0 {
			return errors.New("remote timeout must be positive")
		}
		c.remoteTimeout = d
		return nil
	}
}

// WithRetryInterval makes the worker retry a non-empty outbox every d while
// degraded. Zero, the default, leaves retries to the next mutation.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) error {
		if d < 0 {
			return errors.New("retry interval must not be negative")
		}
		c.retryInterval = d
		return nil
	}
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) error {
		if now != nil {
			c.now = now
		}
		return nil
	}
}

func optionError(err error) error {
	return syncErrors.E(
		syncErrors.Op("NewCoordinator"),
		syncErrors.Component("synckit"),
		syncErrors.KindInvalid,
		err,
	)
}

package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/ALIGN/internal/errors"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the dispatch-path logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		c.logger = logger
		return nil
	}
}

// WithClientName sets the client identity presented to the broker.
func WithClientName(name string) Option {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithKeepalive sets the ping interval used to detect dead connections.
func WithKeepalive(interval time.Duration) Option {
	return func(c *Client) error {
		if interval <= 0 {
			return errors.New("keepalive must be positive")
		}
		c.pingInterval = interval
		return nil
	}
}

// WithConnectPolicy bounds initial connection retries: attempts tries with
// multiplicative backoff starting at initial and capped at max.
func WithConnectPolicy(attempts int, initial, max time.Duration) Option {
	return func(c *Client) error {
		if attempts < 1 {
			return errors.New("connect attempts must be at least 1")
		}
		if initial <= 0 || max < initial {
			return errors.New("invalid connect backoff bounds")
		}
		c.connectAttempts = attempts
		c.connectBackoff = initial
		c.maxBackoff = max
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight deliveries.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return errors.New("drain timeout must be positive")
		}
		c.drainTimeout = timeout
		return nil
	}
}

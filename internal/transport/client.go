package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/copyleftdev/ALIGN/internal/errors"
)

// ConnectionStatus represents the state of the broker connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the status name.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = errors.New("not connected to broker")

type registration struct {
	subject string
	handler Handler
}

// Client is the NATS implementation of Bus.
type Client struct {
	url    string
	logger *zap.Logger
	status atomic.Value // ConnectionStatus

	clientName      string
	pingInterval    time.Duration
	connectAttempts int
	connectBackoff  time.Duration
	maxBackoff      time.Duration
	drainTimeout    time.Duration
	handlerTimeout  time.Duration

	onReconnect  func()
	onDisconnect func(error)

	mu            sync.Mutex
	conn          *nats.Conn
	registrations []registration
	subs          []*nats.Subscription
	closed        atomic.Bool
	dispatchCtx   context.Context
	dispatchStop  context.CancelFunc
}

// NewClient creates a broker client for url. It does not connect.
func NewClient(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:             url,
		logger:          zap.NewNop(),
		pingInterval:    30 * time.Second,
		connectAttempts: 5,
		connectBackoff:  time.Second,
		maxBackoff:      30 * time.Second,
		drainTimeout:    10 * time.Second,
		handlerTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.status.Store(StatusDisconnected)
	c.dispatchCtx, c.dispatchStop = context.WithCancel(context.Background())
	return c, nil
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	v := c.status.Load()
	if v == nil {
		return StatusDisconnected
	}
	return v.(ConnectionStatus)
}

// Healthy implements Bus.
func (c *Client) Healthy() bool {
	return c.Status() == StatusConnected
}

// OnReconnect registers fn to run after the connection is re-established
// and all subscriptions have been replayed.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// OnDisconnect registers fn to run when the connection drops unexpectedly.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Connect dials the broker, retrying with multiplicative backoff up to the
// configured attempt bound. Subscriptions registered beforehand are applied
// before Connect returns, so no delivery window is missed.
func (c *Client) Connect(ctx context.Context) error {
	c.status.Store(StatusConnecting)

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.connectBackoff),
		nats.PingInterval(c.pingInterval),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	backoff := c.connectBackoff
	var lastErr error
	for attempt := 1; attempt <= c.connectAttempts; attempt++ {
		conn, err := nats.Connect(c.url, opts...)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			err = c.applySubscriptionsLocked()
			c.mu.Unlock()
			if err != nil {
				conn.Close()
				return errors.Wrap(err, "Client", "Connect", "apply subscriptions")
			}
			c.status.Store(StatusConnected)
			c.logger.Info("connected to broker", zap.String("url", c.url), zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		c.logger.Warn("broker connect failed",
			zap.String("url", c.url),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == c.connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			c.status.Store(StatusDisconnected)
			return errors.WrapTransient(ctx.Err(), "Client", "Connect", "wait for retry")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	c.status.Store(StatusDisconnected)
	return &errors.ConnectionError{Endpoint: c.url, Attempts: c.connectAttempts, Err: lastErr}
}

// Subscribe implements Bus. Safe to call before Connect.
func (c *Client) Subscribe(subject string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg := registration{subject: subject, handler: handler}
	c.registrations = append(c.registrations, reg)

	if c.conn == nil || !c.conn.IsConnected() {
		return nil // applied on connect
	}
	return c.subscribeLocked(reg)
}

func (c *Client) subscribeLocked(reg registration) error {
	sub, err := c.conn.Subscribe(reg.subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(c.dispatchCtx, c.handlerTimeout)
		defer cancel()
		reg.handler(msgCtx, msg.Subject, msg.Data)
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *Client) applySubscriptionsLocked() error {
	c.subs = nil
	for _, reg := range c.registrations {
		if err := c.subscribeLocked(reg); err != nil {
			return err
		}
	}
	return nil
}

// Publish implements Bus.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.dispatchStop()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = nil
	c.mu.Unlock()

	if conn == nil {
		c.status.Store(StatusDisconnected)
		return nil
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()

	timeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	var err error
	select {
	case err = <-drainDone:
	case <-time.After(timeout):
		conn.Close()
		err = errors.Errorf("drain timeout after %v", timeout)
	case <-ctx.Done():
		conn.Close()
		err = ctx.Err()
	}

	c.status.Store(StatusDisconnected)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Close", "drain connection")
	}
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.status.Store(StatusReconnecting)
	c.logger.Warn("broker connection lost", zap.Error(err))

	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		go fn(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	// The library re-establishes subscriptions itself; only after that does
	// it invoke this handler, so dependents observe "connected" with the
	// full subscription set live.
	c.status.Store(StatusConnected)
	c.logger.Info("broker connection restored", zap.String("url", conn.ConnectedUrl()))

	c.mu.Lock()
	fn := c.onReconnect
	c.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.status.Store(StatusDisconnected)
	c.logger.Warn("broker connection closed")
}

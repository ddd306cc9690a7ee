// Package stream maintains the single live connection to the exchange
// market-data feed: connect with a handshake deadline, keepalive pings,
// minimal-diff subscription changes and reconnect with capped exponential
// backoff.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cryptosignal/internal/model"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config holds connection tuning.
type Config struct {
	URL                  string
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	ReconnectDelay       time.Duration
	BackoffMultiplier    float64
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	// Exchange limits on control traffic.
	MaxStreamsPerRequest int
	RequestsPerSecond    float64
}

// DefaultConfig returns the Binance spot endpoint with conservative timings.
func DefaultConfig() Config {
	return Config{
		URL:                  "wss://stream.binance.com:9443/ws",
		HandshakeTimeout:     10 * time.Second,
		PingInterval:         20 * time.Second,
		PongTimeout:          10 * time.Second,
		ReconnectDelay:       5 * time.Second,
		BackoffMultiplier:    2,
		MaxReconnectDelay:    300 * time.Second,
		MaxReconnectAttempts: 5,
		MaxStreamsPerRequest: 200,
		RequestsPerSecond:    4,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(ReconnectDelay * BackoffMultiplier^(n-1), MaxReconnectDelay).
func (c Config) Backoff(n int) time.Duration {
	d := float64(c.ReconnectDelay) * math.Pow(c.BackoffMultiplier, float64(n-1))
	if d > float64(c.MaxReconnectDelay) || math.IsInf(d, 0) {
		return c.MaxReconnectDelay
	}
	return time.Duration(d)
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Conn is the stream connection. Connect, SetDesired, Run and Close may be
// called from different goroutines.
type Conn struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger

	state atomic.Int32

	mu         sync.Mutex // guards everything below and serializes writes
	sess       Session
	desired    map[string]bool
	subscribed map[string]bool
	stopPing   chan struct{}
	closed     bool

	pingWG    sync.WaitGroup
	reqID     atomic.Int64
	lastPong  atomic.Int64
	limiter   *rate.Limiter
	fatalOnce sync.Once
	closeCh   chan struct{}

	// Callbacks (optional)
	OnStateChange func(from, to State)
	OnFatal       func(err error) // invoked once when reconnects are exhausted
	OnReconnect   func(attempt int)

	// sleep waits between reconnect attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a disconnected stream connection.
func New(cfg Config, dialer Dialer, log *slog.Logger) *Conn {
	if cfg.MaxStreamsPerRequest <= 0 {
		cfg.MaxStreamsPerRequest = 200
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c := &Conn{
		cfg:        cfg,
		dialer:     dialer,
		log:        log.With("component", "stream"),
		desired:    make(map[string]bool),
		subscribed: make(map[string]bool),
		limiter:    rate.NewLimiter(limit, 1),
		closeCh:    make(chan struct{}),
		sleep:      sleepCtx,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.log.Info("state change", "from", from.String(), "to", to.String())
	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

// Connect establishes a session within HandshakeTimeout and subscribes the
// desired stream set. Failures wrap model.ErrConnection.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection closed", model.ErrConnection)
	}
	c.mu.Unlock()

	if c.State() != StateReconnecting {
		c.setState(StateConnecting)
	}
	if err := c.dial(ctx); err != nil {
		if c.State() == StateConnecting {
			c.setState(StateDisconnected)
		}
		return err
	}
	c.setState(StateConnected)
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	sess, err := c.dialer.Dial(dctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", model.ErrConnection, c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Close()
		return fmt.Errorf("%w: connection closed", model.ErrConnection)
	}
	c.stopKeepaliveLocked()
	if c.sess != nil {
		c.sess.Close()
	}
	c.sess = sess
	// Server-side state does not survive a reconnect.
	c.subscribed = make(map[string]bool)
	c.lastPong.Store(time.Now().UnixNano())
	sess.SetPongHandler(func() { c.lastPong.Store(time.Now().UnixNano()) })
	c.startKeepaliveLocked(sess)
	err = c.syncLocked(ctx)
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("resubscribe failed", "error", err)
	}
	return nil
}

// SetDesired replaces the desired stream set and, when connected, sends
// only the difference to the exchange.
func (c *Conn) SetDesired(ctx context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired = make(map[string]bool, len(keys))
	for _, k := range keys {
		c.desired[k] = true
	}
	return c.syncLocked(ctx)
}

// Subscribe adds keys to the desired set.
func (c *Conn) Subscribe(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.desired[k] = true
	}
	return c.syncLocked(ctx)
}

// Unsubscribe removes keys from the desired set.
func (c *Conn) Unsubscribe(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.desired, k)
	}
	return c.syncLocked(ctx)
}

// Subscribed returns the keys the server currently streams, sorted.
func (c *Conn) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	added, _ := Diff(nil, c.subscribed)
	return added
}

// syncLocked sends SUBSCRIBE/UNSUBSCRIBE for the diff. Caller holds c.mu.
func (c *Conn) syncLocked(ctx context.Context) error {
	if c.sess == nil || c.closed {
		return nil
	}
	added, removed := Diff(c.subscribed, c.desired)
	if err := c.sendLocked(ctx, "UNSUBSCRIBE", removed); err != nil {
		return err
	}
	for _, k := range removed {
		delete(c.subscribed, k)
	}
	if err := c.sendLocked(ctx, "SUBSCRIBE", added); err != nil {
		return err
	}
	for _, k := range added {
		c.subscribed[k] = true
	}
	if len(added)+len(removed) > 0 {
		c.log.Info("subscriptions updated", "added", len(added), "removed", len(removed), "total", len(c.subscribed))
	}
	return nil
}

func (c *Conn) sendLocked(ctx context.Context, method string, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), c.cfg.MaxStreamsPerRequest)
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req := request{Method: method, Params: keys[:n], ID: c.reqID.Add(1)}
		if err := c.sess.WriteJSON(req); err != nil {
			return fmt.Errorf("%w: %s: %v", model.ErrConnection, method, err)
		}
		keys = keys[n:]
	}
	return nil
}

// Run reads frames and hands them to handle until ctx ends or Close is
// called (nil), or reconnection is exhausted (model.ErrStream). A dropped
// session is redialed with capped exponential backoff and the full desired
// set is resubscribed.
func (c *Conn) Run(ctx context.Context, handle func(raw []byte)) error {
	if c.State() != StateConnected {
		if err := c.Connect(ctx); err != nil {
			c.log.Warn("initial connect failed", "error", err)
			if err := c.reconnect(ctx); err != nil {
				return err
			}
		}
	}

	for {
		c.mu.Lock()
		sess, closed := c.sess, c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return nil
		}

		msg, err := sess.ReadMessage()
		if err == nil {
			handle(msg)
			continue
		}

		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return nil
		}
		c.log.Warn("session lost", "error", err)
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Conn) reconnect(ctx context.Context) error {
	c.setState(StateReconnecting)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := c.cfg.Backoff(attempt)
		c.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil // cancelled
		}
		select {
		case <-c.closeCh:
			return nil
		default:
		}
		if c.OnReconnect != nil {
			c.OnReconnect(attempt)
		}
		if lastErr = c.dial(ctx); lastErr == nil {
			c.setState(StateConnected)
			return nil
		}
		c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", lastErr)
	}

	err := fmt.Errorf("%w: gave up after %d reconnect attempts: %v", model.ErrStream, c.cfg.MaxReconnectAttempts, lastErr)
	c.fail(err)
	return err
}

// fail moves to the terminal state and reports err exactly once.
func (c *Conn) fail(err error) {
	c.fatalOnce.Do(func() {
		c.shutdown()
		c.log.Error("stream failed", "error", err)
		if c.OnFatal != nil {
			c.OnFatal(err)
		}
	})
}

// Close ends the connection. The keepalive goroutine has exited when Close
// returns. Safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeCh)
	c.stopKeepaliveLocked()
	sess := c.sess
	c.mu.Unlock()

	c.pingWG.Wait()
	if sess != nil {
		sess.Close()
	}
	c.setState(StateClosed)
}

// startKeepaliveLocked launches the ping loop for sess. Caller holds c.mu.
func (c *Conn) startKeepaliveLocked(sess Session) {
	stop := make(chan struct{})
	c.stopPing = stop
	c.pingWG.Add(1)
	go c.keepalive(sess, stop)
}

func (c *Conn) stopKeepaliveLocked() {
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
}

func (c *Conn) keepalive(sess Session, stop <-chan struct{}) {
	defer c.pingWG.Done()
	if c.cfg.PingInterval <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	deadline := c.cfg.PingInterval + c.cfg.PongTimeout

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if since := now.Sub(time.Unix(0, c.lastPong.Load())); since > deadline {
				c.log.Warn("pong timeout, dropping session", "since_last_pong", since)
				sess.Close()
				return
			}
			if err := sess.Ping(now.Add(c.cfg.PongTimeout)); err != nil {
				c.log.Warn("ping failed", "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsFatal reports whether err means the stream is gone for good.
func IsFatal(err error) bool { return errors.Is(err, model.ErrStream) }

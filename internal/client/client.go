// Package client supervises hub connections: it acquires a session id, runs
// one protocol engine per connection and reconnects after transport failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/iolitectl/internal/auth"
	"github.com/danmuck/iolitectl/internal/discovery"
	"github.com/danmuck/iolitectl/internal/observability"
	"github.com/danmuck/iolitectl/internal/protocol"
	"github.com/danmuck/iolitectl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrAcquirerRequired   = errors.New("client: acquirer required")
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")
)

// Acquirer yields the session id a connection authenticates with.
type Acquirer interface {
	Acquire(ctx context.Context, creds auth.Credentials) (auth.Session, error)
}

// Dialer opens the bus socket for one acquired session.
type Dialer func(ctx context.Context, cfg session.DialConfig) (session.Conn, error)

type Config struct {
	Credentials auth.Credentials
	Scheme      string
	Host        string
	Session     session.Config

	Reconnect   bool
	MaxAttempts int
	Backoff     session.BackoffConfig
}

type Client struct {
	cfg      Config
	acquirer Acquirer
	dial     Dialer
	board    *observability.StatusBoard
	rng      *rand.Rand

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	engine   *session.Engine
	snapshot discovery.Snapshot
}

// New builds a Client. A nil dial uses session.Dial; a nil board discards status.
func New(cfg Config, acquirer Acquirer, dial Dialer, board *observability.StatusBoard) (*Client, error) {
	if acquirer == nil {
		return nil, ErrAcquirerRequired
	}
	if dial == nil {
		dial = session.Dial
	}
	if board == nil {
		board = &observability.StatusBoard{}
	}
	if strings.TrimSpace(cfg.Scheme) == "" {
		cfg.Scheme = "wss"
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = cfg.Session.Backoff
	}
	seed := uint64(time.Now().UnixNano())
	return &Client{
		cfg:      cfg,
		acquirer: acquirer,
		dial:     dial,
		board:    board,
		rng:      rand.New(rand.NewPCG(seed, seed>>1)),
		closed:   make(chan struct{}),
	}, nil
}

// Run connects and serves until ctx ends or a non-retryable failure occurs.
// A requested shutdown, by ctx or Close, returns nil.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	var attempt int
	for {
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}
		ready, err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if ready {
			attempt = 0
		}
		if !c.cfg.Reconnect || !retryable(err) {
			return err
		}
		attempt++
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			return fmt.Errorf("%w: attempts=%d: %w", ErrReconnectExhausted, attempt, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("client.Client connection lost; reconnecting")
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil
		}
	}
}

// Close shuts down the current connection, if any, and stops Run from
// acquiring or dialing again.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	e := c.engine
	c.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.Close()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Snapshot returns the discovery state of the current connection.
func (c *Client) Snapshot() discovery.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// runOnce drives one acquire/dial/engine cycle. ready reports whether the
// connection reached StateReady before it closed.
func (c *Client) runOnce(ctx context.Context) (ready bool, err error) {
	sess, err := c.acquirer.Acquire(ctx, c.cfg.Credentials)
	observability.RecordAcquire(acquireOutcome(err))
	if err != nil {
		return false, err
	}

	dialCfg := session.DialConfig{
		Scheme:           c.cfg.Scheme,
		Host:             c.cfg.Host,
		SID:              sess.SID,
		Identity:         c.cfg.Credentials.Identity,
		Secret:           c.cfg.Credentials.Secret,
		HandshakeTimeout: c.cfg.Session.HandshakeTimeout,
		WriteTimeout:     c.cfg.Session.WriteTimeout,
		ReadLimit:        c.cfg.Session.ReadLimit,
		TLS:              c.cfg.Session.TLS,
	}
	rooms := discovery.NewRegistry()
	engine := session.NewEngine(func(ctx context.Context) (session.Conn, error) {
		return c.dial(ctx, dialCfg)
	}, c.cfg.Session, protocol.NewRegistry(), rooms)

	engine.OnState = func(s session.State, reason session.CloseReason) {
		if s == session.StateReady {
			ready = true
		}
		c.board.Publish(observability.Status{
			State:   s.String(),
			Reason:  string(reason),
			Rooms:   rooms.Len(),
			Devices: rooms.DeviceCount(),
		})
	}
	engine.OnDiscovery = func(snap discovery.Snapshot) {
		c.mu.Lock()
		c.snapshot = snap
		c.mu.Unlock()
		c.board.Publish(observability.Status{
			State:   engine.State().String(),
			Rooms:   rooms.Len(),
			Devices: rooms.DeviceCount(),
		})
	}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return false, nil
	}
	c.engine = engine
	c.snapshot = discovery.Snapshot{}
	c.mu.Unlock()

	err = engine.Run(ctx)
	return ready, err
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryable reports whether a fresh connection could succeed where this one
// failed. Rejected credentials and protocol violations are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, auth.ErrAuth), errors.Is(err, auth.ErrIdentityRequired):
		return false
	case errors.Is(err, protocol.ErrUncorrelatedResponse), errors.Is(err, protocol.ErrMalformedMessage):
		return false
	case errors.Is(err, session.ErrSIDRequired), errors.Is(err, session.ErrHostRequired), errors.Is(err, session.ErrInvalidScheme):
		return false
	case errors.Is(err, session.ErrTLSRequiresWSS), errors.Is(err, session.ErrTLSInsecureAndCA),
		errors.Is(err, session.ErrTLSCAFileRead), errors.Is(err, session.ErrTLSCAFileParse):
		return false
	}
	return errors.Is(err, session.ErrTransport) || errors.Is(err, auth.ErrTransport)
}

func acquireOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrAuth):
		return "auth"
	case errors.Is(err, auth.ErrTransport):
		return "transport"
	default:
		return "error"
	}
}

// Package client connects to a presence hub: it keeps a presence channel
// open with bounded reconnection, mirrors the room's presence and lock state
// into a View, and holds the room's soft lock with automatic renewal.
package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"presence-hub/clock"
	"presence-hub/protocol"
)

type (
	Config struct {
		BaseURL     string
		RoomID      string
		UserID      string
		DisplayName string
		AvatarRef   string

		PingInterval  time.Duration
		Backoff       Backoff
		RenewalMargin time.Duration
		DialTimeout   time.Duration
		SendTimeout   time.Duration

		HTTPClient *http.Client
	}

	Option func(*options)

	options struct {
		clock   clock.Clock
		dialer  Dialer
		lockAPI LockAPI
		rand    func() float64
		onRetry func(attempt int, delay time.Duration)
	}

	Client struct {
		cfg        Config
		controller *Controller
		session    *Session
		locks      *LockManager
		api        LockAPI
	}
)

func DefaultConfig() Config {
	return Config{
		PingInterval:  15 * time.Second,
		Backoff:       DefaultBackoff(),
		RenewalMargin: 2 * time.Minute,
		DialTimeout:   10 * time.Second,
		SendTimeout:   5 * time.Second,
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLockAPI(api LockAPI) Option {
	return func(o *options) { o.lockAPI = api }
}

// WithRand replaces the jitter source. fn returns samples from [0, 1).
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// WithRetryHook is called whenever a reconnect is scheduled, for countdowns.
func WithRetryHook(fn func(attempt int, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if (o.dialer == nil || o.lockAPI == nil) && cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if o.dialer == nil {
		o.dialer = &WebSocketDialer{BaseURL: cfg.BaseURL, HTTPClient: cfg.HTTPClient}
	}
	if o.lockAPI == nil {
		o.lockAPI = NewHTTPLockAPI(cfg.BaseURL, cfg.HTTPClient)
	}

	session := NewSession(cfg.UserID, o.clock)
	controller := NewController(ControllerConfig{
		RoomID:       cfg.RoomID,
		UserID:       cfg.UserID,
		DisplayName:  cfg.DisplayName,
		AvatarRef:    cfg.AvatarRef,
		PingInterval: cfg.PingInterval,
		Backoff:      cfg.Backoff,
		DialTimeout:  cfg.DialTimeout,
		SendTimeout:  cfg.SendTimeout,
	}, o.dialer, o.clock, o.rand, ControllerHooks{
		OnState:          session.HandleState,
		OnMessage:        session.HandleMessage,
		OnRetryScheduled: o.onRetry,
	})

	return &Client{
		cfg:        cfg,
		controller: controller,
		session:    session,
		locks:      NewLockManager(o.lockAPI, o.clock, cfg.RenewalMargin),
		api:        o.lockAPI,
	}, nil
}

// Connect starts the presence channel. Progress is reported through
// Subscribe.
func (c *Client) Connect() {
	c.controller.Start()
}

// Restart reconnects after retries were exhausted.
func (c *Client) Restart() {
	c.controller.Restart()
}

// Close stops the presence channel and lock renewals. A held lock is not
// released; it expires on the server.
func (c *Client) Close() {
	c.controller.Stop()
	c.locks.Close()
}

func (c *Client) State() (ConnectionState, bool) {
	return c.controller.State()
}

func (c *Client) UpdateCursor(ctx context.Context, x, y float64) error {
	return c.controller.Send(ctx, protocol.MustNew(protocol.TypeCursor, protocol.Cursor{X: x, Y: y}))
}

// UpdateSelection publishes ref verbatim; an empty ref clears the selection.
func (c *Client) UpdateSelection(ctx context.Context, ref string) error {
	return c.controller.Send(ctx, protocol.MustNew(protocol.TypeSelection, protocol.Selection{Ref: ref}))
}

func (c *Client) AcquireSoftLock(ctx context.Context) (bool, error) {
	return c.locks.AcquireSoftLock(ctx, c.cfg.RoomID, c.cfg.UserID)
}

func (c *Client) ReleaseLock(ctx context.Context) error {
	return c.locks.ReleaseLock(ctx, c.cfg.RoomID, c.cfg.UserID)
}

func (c *Client) HoldsLock() bool {
	return c.locks.Holds(c.cfg.RoomID)
}

func (c *Client) LockStatus(ctx context.Context) (protocol.LockStatusResponse, error) {
	return c.api.Status(ctx, c.cfg.RoomID)
}

func (c *Client) View() View {
	return c.session.View()
}

func (c *Client) Subscribe(fn func(View)) func() {
	return c.session.Subscribe(fn)
}

// OnLockRevoked registers fn to be called when a held lock is lost. The
// editor should switch to read-only.
func (c *Client) OnLockRevoked(fn func(Revocation)) {
	c.locks.OnRevoked(fn)
}

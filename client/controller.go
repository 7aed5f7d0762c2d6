package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"presence-hub/clock"
	"presence-hub/protocol"

	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send while no presence channel is open.
var ErrNotConnected = errors.New("presence channel is not open")

type (
	ControllerConfig struct {
		RoomID      string
		UserID      string
		DisplayName string
		AvatarRef   string

		PingInterval time.Duration
		Backoff      Backoff
		DialTimeout  time.Duration
		SendTimeout  time.Duration
	}

	// ControllerHooks run on the controller goroutine, in order. They must
	// not block and must not call Start, Restart or Stop synchronously.
	ControllerHooks struct {
		OnState          func(state ConnectionState, exhausted bool)
		OnMessage        func(msg protocol.Message)
		OnRetryScheduled func(attempt int, delay time.Duration)
	}

	// Controller owns the presence channel lifecycle: it is the only thing
	// that dials or closes a Channel. Every state change happens on one
	// goroutine fed through events.
	Controller struct {
		cfg    ControllerConfig
		dialer Dialer
		clock  clock.Clock
		rand   func() float64
		hooks  ControllerHooks
		log    *logrus.Entry

		ctx    context.Context
		cancel context.CancelFunc
		events chan func()
		done   chan struct{}

		mu        sync.Mutex
		state     ConnectionState
		exhausted bool
		gen       uint64
		ch        Channel

		// Loop-owned.
		attempt       int
		retrySeq      uint64
		pingTimer     clock.Timer
		retryTimer    clock.Timer
		degradedTimer clock.Timer
	}
)

func NewController(cfg ControllerConfig, dialer Dialer, clk clock.Clock, rnd func() float64, hooks ControllerHooks) *Controller {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		dialer: dialer,
		clock:  clk,
		rand:   rnd,
		hooks:  hooks,
		log:    logrus.WithFields(logrus.Fields{"room_id": cfg.RoomID, "user_id": cfg.UserID}),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func()),
		done:   make(chan struct{}),
		state:  StateOffline,
	}
	go c.run()
	return c
}

// State returns the connection state and whether retries are exhausted.
func (c *Controller) State() (ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.exhausted
}

// Start begins connecting. It is the same as Restart.
func (c *Controller) Start() {
	c.Restart()
}

// Restart connects immediately with a fresh attempt budget when the
// controller is offline, including after retries were exhausted. It does
// nothing while a channel is connecting or open.
func (c *Controller) Restart() {
	c.post(func() {
		if state, _ := c.State(); state != StateOffline {
			return
		}
		c.retrySeq++
		stopTimer(&c.retryTimer)
		c.attempt = 0
		c.connect()
	})
}

// Stop closes the channel and cancels the ping loop and any pending retry.
// It does not release locks.
func (c *Controller) Stop() {
	c.cancel()
	<-c.done
}

// Send writes msg on the open channel. A failed send degrades the
// connection instead of closing it.
func (c *Controller) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	ch, gen, state := c.ch, c.gen, c.state
	c.mu.Unlock()
	if ch == nil || !state.Open() {
		return ErrNotConnected
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	err := ch.Send(sendCtx, msg)
	go c.post(func() { c.sendResult(gen, err) })
	return err
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.ctx.Done():
			c.shutdown()
			return
		}
	}
}

// post runs fn on the controller goroutine. It reports false once the
// controller has stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// after runs fn on the controller goroutine once d has elapsed.
func (c *Controller) after(d time.Duration, fn func()) clock.Timer {
	return c.clock.AfterFunc(d, func() { go c.post(fn) })
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) setState(state ConnectionState, exhausted bool) {
	c.mu.Lock()
	changed := c.state != state || c.exhausted != exhausted
	c.state, c.exhausted = state, exhausted
	c.mu.Unlock()

	if !changed {
		return
	}
	c.log.WithFields(logrus.Fields{"state": state, "exhausted": exhausted}).Debug("Connection state changed")
	if c.hooks.OnState != nil {
		c.hooks.OnState(state, exhausted)
	}
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Controller) connect() {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.setState(StateConnecting, false)
	go c.dial(gen)
}

func (c *Controller) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	ch, err := c.dialer.Dial(ctx, c.cfg.RoomID, c.cfg.UserID)
	if err == nil {
		join := protocol.MustNew(protocol.TypeJoin, protocol.Join{
			RoomID:      c.cfg.RoomID,
			UserID:      c.cfg.UserID,
			DisplayName: c.cfg.DisplayName,
			AvatarRef:   c.cfg.AvatarRef,
		})
		if err = ch.Send(ctx, join); err != nil {
			go ch.Close()
			ch = nil
		}
	}

	posted := c.post(func() {
		if err != nil {
			c.log.WithError(err).WithField("attempt", c.attempt).Warn("Failed to open presence channel")
			c.closed(gen)
			return
		}
		if !c.current(gen) {
			go ch.Close()
			return
		}
		c.opened(gen, ch)
	})
	if !posted && ch != nil {
		ch.Close()
	}
}

func (c *Controller) opened(gen uint64, ch Channel) {
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	c.attempt = 0
	c.schedulePing(gen)
	go c.readLoop(gen, ch)
	c.log.Info("Presence channel online")
	c.setState(StateOnline, false)
}

func (c *Controller) readLoop(gen uint64, ch Channel) {
	for {
		msg, err := ch.Receive(c.ctx)
		if err != nil {
			c.post(func() {
				if c.current(gen) {
					c.log.WithError(err).Info("Presence channel closed")
				}
				c.closed(gen)
			})
			return
		}
		if !c.post(func() { c.deliver(gen, msg) }) {
			return
		}
	}
}

func (c *Controller) deliver(gen uint64, msg protocol.Message) {
	if !c.current(gen) {
		return
	}
	state, _ := c.State()
	if !state.Open() {
		return
	}
	c.recovered()
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(msg)
	}
}

// closed moves to offline and schedules a retry, unless gen has already
// been superseded.
func (c *Controller) closed(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch != nil {
		go ch.Close()
	}
	stopTimer(&c.pingTimer)
	stopTimer(&c.degradedTimer)
	c.setState(StateOffline, false)
	c.scheduleRetry()
}

func (c *Controller) scheduleRetry() {
	if c.attempt >= c.cfg.Backoff.MaxAttempts {
		c.log.WithField("attempts", c.attempt).Error("Giving up on presence channel")
		c.setState(StateOffline, true)
		return
	}

	delay := c.cfg.Backoff.Delay(c.attempt, c.rand())
	c.attempt++
	c.retrySeq++
	seq := c.retrySeq
	c.retryTimer = c.after(delay, func() {
		if seq != c.retrySeq {
			return
		}
		c.retryTimer = nil
		c.connect()
	})

	c.log.WithFields(logrus.Fields{"attempt": c.attempt, "delay": delay}).Info("Reconnect scheduled")
	if c.hooks.OnRetryScheduled != nil {
		c.hooks.OnRetryScheduled(c.attempt, delay)
	}
}

func (c *Controller) schedulePing(gen uint64) {
	c.pingTimer = c.after(c.cfg.PingInterval, func() {
		if !c.current(gen) {
			return
		}
		c.schedulePing(gen)

		c.mu.Lock()
		ch := c.ch
		c.mu.Unlock()
		ping := protocol.MustNew(protocol.TypePing, protocol.Ping{TS: c.clock.Now().UnixMilli()})
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
			defer cancel()
			err := ch.Send(ctx, ping)
			c.post(func() { c.sendResult(gen, err) })
		}()
	})
}

func (c *Controller) sendResult(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	if err == nil {
		c.recovered()
		return
	}
	if state, _ := c.State(); state != StateOnline {
		return
	}

	c.degradedTimer = c.after(2*c.cfg.PingInterval, func() {
		if state, _ := c.State(); c.current(gen) && state == StateDegraded {
			c.log.Warn("Degraded presence channel did not recover")
			c.closed(gen)
		}
	})
	c.log.WithError(err).Warn("Presence send failed, channel degraded")
	c.setState(StateDegraded, false)
}

func (c *Controller) recovered() {
	if state, _ := c.State(); state == StateDegraded {
		stopTimer(&c.degradedTimer)
		c.setState(StateOnline, false)
	}
}

func (c *Controller) shutdown() {
	c.retrySeq++
	stopTimer(&c.retryTimer)
	stopTimer(&c.pingTimer)
	stopTimer(&c.degradedTimer)

	c.mu.Lock()
	c.gen++
	ch := c.ch
	c.ch = nil
	exhausted := c.exhausted
	c.mu.Unlock()

	if ch != nil {
		go ch.Close()
	}
	c.setState(StateOffline, exhausted)
}

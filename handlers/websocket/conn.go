package websocket

import (
	"context"
	"sync"
	"time"

	"presence-hub/protocol"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// connection is one raw WebSocket presence channel. It implements hub.Peer.
type connection struct {
	id          string
	ws          *websocket.Conn
	send        chan protocol.Message
	readTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	writer    sync.WaitGroup

	log *logrus.Entry
}

func newConnection(parent context.Context, ws *websocket.Conn, sendBuffer int, readTimeout time.Duration) *connection {
	id := ulid.Make().String()
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		id:          id,
		ws:          ws,
		send:        make(chan protocol.Message, sendBuffer),
		readTimeout: readTimeout,
		ctx:         ctx,
		cancel:      cancel,
		log:         logrus.WithField("conn_id", id),
	}
}

func (c *connection) ID() string {
	return c.id
}

// Send queues msg for the write pump. It reports false when the queue is
// full or the connection is closing.
func (c *connection) Send(msg protocol.Message) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close starts closing the connection with a policy violation status and
// returns immediately.
func (c *connection) Close(reason string) {
	c.closeWith(websocket.StatusPolicyViolation, reason)
}

func (c *connection) closeWith(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.log.WithField("reason", reason).Info("Closing presence connection")
		go func() {
			// Close waits for the peer's close frame, which the read pump
			// consumes, so the context is cancelled only afterwards.
			_ = c.ws.Close(status, reason)
			c.cancel()
		}()
	})
}

// read reads one frame, giving up after the read timeout.
func (c *connection) read() (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.readTimeout)
	defer cancel()

	var msg protocol.Message
	err := wsjson.Read(ctx, c.ws, &msg)
	return msg, err
}

// readPump hands every frame to onMessage until the channel fails or goes
// silent for longer than the read timeout.
func (c *connection) readPump(onMessage func(protocol.Message)) error {
	for {
		msg, err := c.read()
		if err != nil {
			return err
		}
		onMessage(msg)
	}
}

func (c *connection) startWriter() {
	c.writer.Add(1)
	go c.writePump()
}

func (c *connection) writePump() {
	defer c.writer.Done()
	for {
		select {
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(ctx, c.ws, msg)
			cancel()
			if err != nil {
				c.log.WithError(err).Debug("Write failed")
				c.closeWith(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// wait blocks until the connection is fully shut down.
func (c *connection) wait() {
	<-c.ctx.Done()
	c.writer.Wait()
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"presence-hub/core"
	"presence-hub/hub"
	"presence-hub/metrics"
	"presence-hub/protocol"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

var errOriginNotAllowed = errors.New("origin not allowed")

// ack answers a socket.io event that carried a callback. Calling a nil ack
// does nothing.
type ack func(err error)

func (a ack) reply(err error) {
	if a != nil {
		a(err)
	}
}

// socketConn is the part of a socket.io socket a peer needs.
type socketConn interface {
	Id() socketio.SocketId
	Emit(ev string, args ...any) error
	Disconnect(status bool) *socketio.Socket
}

// socketPeer adapts a socket.io socket to hub.Peer. Frames are emitted as
// socket.io events named after the frame type from a per-socket goroutine.
type socketPeer struct {
	socket socketConn
	send   chan protocol.Message
	quit   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	roomID string
	userID string
}

func newSocketPeer(socket socketConn, buffer int) *socketPeer {
	p := &socketPeer{
		socket: socket,
		send:   make(chan protocol.Message, buffer),
		quit:   make(chan struct{}),
	}
	go p.emitPump()
	return p
}

func (p *socketPeer) ID() string {
	return string(p.socket.Id())
}

func (p *socketPeer) Send(msg protocol.Message) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *socketPeer) Close(reason string) {
	if p.stop() {
		logrus.WithFields(logrus.Fields{"conn_id": p.ID(), "reason": reason}).Info("Closing socket.io presence channel")
		go p.socket.Disconnect(true)
	}
}

// stop ends the emit pump and reports whether this call did it.
func (p *socketPeer) stop() bool {
	stopped := false
	p.once.Do(func() {
		close(p.quit)
		stopped = true
	})
	return stopped
}

func (p *socketPeer) emitPump() {
	for {
		select {
		case msg := <-p.send:
			payload := map[string]any{}
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &payload); err != nil {
					logrus.WithError(err).WithField("type", msg.Type).Error("Failed to decode frame for socket.io")
					continue
				}
			}
			if err := p.socket.Emit(string(msg.Type), payload); err != nil {
				logrus.WithError(err).WithField("conn_id", p.ID()).Debug("Socket.io emit failed")
			}
		case <-p.quit:
			return
		}
	}
}

func (p *socketPeer) member() (roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID, p.userID
}

func (p *socketPeer) setMember(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomID, p.userID = roomID, userID
}

// SetupSocketIO serves the presence protocol to socket.io clients. Events
// join, cursor, selection and ping carry the same payloads as the WebSocket
// frames; the server emits presence_update, lock_acquired and lock_released.
func SetupSocketIO(h PresenceHub, registry core.RoomRegistry, m *metrics.Metrics, opts Options) *socketio.Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}

	ioOpts := socketio.DefaultServerOptions()
	ioOpts.SetPath("/socket.io")
	ioOpts.SetAllowEIO3(true)
	if opts.PingInterval > 0 {
		ioOpts.SetPingInterval(opts.PingInterval)
		ioOpts.SetPingTimeout(opts.PingInterval)
	}
	// Reflect the request origin in CORS headers; AllowRequest does the
	// actual filtering with the same policy as the WebSocket channel.
	ioOpts.SetCors(&types.Cors{
		Origin:      true,
		Credentials: true,
	})
	ioOpts.SetAllowRequest(func(ctx *types.HttpContext) error {
		if !opts.admits(ctx.Request()) {
			return errOriginNotAllowed
		}
		return nil
	})
	srv := socketio.NewServer(nil, ioOpts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		peer := newSocketPeer(socket, opts.SendBuffer)
		log := logrus.WithField("conn_id", peer.ID())
		log.Debug("Socket.io connection opened")

		//nolint:errcheck
		socket.On(string(protocol.TypeJoin), func(datas ...any) {
			cb, args := splitAck(datas)
			joined, _ := peer.member()
			join, err := decodeJoin(args)
			if err == nil {
				err = joinSocket(h, registry, peer, join)
			}
			if err != nil {
				log.WithError(err).Warn("Socket.io join rejected")
				cb.reply(err)
				return
			}
			if joined == "" {
				m.ConnectionOpened()
			}
			cb.reply(nil)
		})

		//nolint:errcheck
		socket.On(string(protocol.TypeCursor), func(datas ...any) {
			cb, args := splitAck(datas)
			err := withMember(peer, func(ctx context.Context, roomID, userID string) error {
				var cursor protocol.Cursor
				if err := decodeEventArg(protocol.TypeCursor, args, &cursor); err != nil {
					return err
				}
				return h.UpdateCursor(ctx, roomID, userID, core.Cursor{X: cursor.X, Y: cursor.Y})
			})
			cb.reply(err)
		})

		//nolint:errcheck
		socket.On(string(protocol.TypeSelection), func(datas ...any) {
			cb, args := splitAck(datas)
			err := withMember(peer, func(ctx context.Context, roomID, userID string) error {
				var selection protocol.Selection
				if err := decodeEventArg(protocol.TypeSelection, args, &selection); err != nil {
					return err
				}
				return h.UpdateSelection(ctx, roomID, userID, selection.Ref)
			})
			cb.reply(err)
		})

		//nolint:errcheck
		socket.On(string(protocol.TypePing), func(datas ...any) {
			cb, _ := splitAck(datas)
			err := withMember(peer, func(ctx context.Context, roomID, userID string) error {
				return h.Touch(ctx, roomID, userID)
			})
			cb.reply(err)
		})

		//nolint:errcheck
		socket.On("disconnect", func(datas ...any) {
			peer.stop()
			roomID, userID := peer.member()
			if roomID == "" {
				return
			}
			m.ConnectionClosed()
			// Leave off the socket.io goroutine; the room actor may be
			// emitting to this socket.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := h.Leave(ctx, roomID, userID, peer.ID()); err != nil && !errors.Is(err, hub.ErrClosed) {
					log.WithError(err).Warn("Failed to leave room")
				}
			}()
		})
	})

	return srv
}

func joinSocket(h PresenceHub, registry core.RoomRegistry, peer *socketPeer, join protocol.Join) error {
	if roomID, userID := peer.member(); roomID != "" && (roomID != join.RoomID || userID != join.UserID) {
		return errors.New("socket already joined as another member")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	user := core.PresenceUser{UserID: join.UserID, DisplayName: join.DisplayName, AvatarRef: join.AvatarRef}
	if _, err := h.Join(ctx, join.RoomID, user, peer); err != nil {
		return err
	}
	peer.setMember(join.RoomID, join.UserID)

	if registry != nil {
		if err := registry.TouchRoom(ctx, join.RoomID); err != nil {
			logrus.WithError(err).WithField("room_id", join.RoomID).Warn("Failed to record room activity")
		}
	}
	return nil
}

func withMember(peer *socketPeer, fn func(ctx context.Context, roomID, userID string) error) error {
	roomID, userID := peer.member()
	if roomID == "" {
		return core.ErrNotMember
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fn(ctx, roomID, userID)
}

func decodeJoin(args []any) (protocol.Join, error) {
	var join protocol.Join
	if err := decodeEventArg(protocol.TypeJoin, args, &join); err != nil {
		return join, err
	}
	if join.RoomID == "" {
		return join, core.ErrInvalidRoom
	}
	if join.UserID == "" {
		return join, core.ErrInvalidUser
	}
	return join, nil
}

func decodeEventArg(t protocol.Type, args []any, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("%s: payload is required", t)
	}
	msg, err := protocol.FromEvent(t, args[0])
	if err != nil {
		return err
	}
	return msg.Decode(v)
}

func ackPayload(err error) map[string]any {
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error()}
	}
	return map[string]any{"status": "ok"}
}

// splitAck takes a trailing acknowledgement callback off the event args.
func splitAck(datas []any) (ack, []any) {
	n := len(datas)
	if n == 0 {
		return nil, datas
	}
	fn := reflect.ValueOf(datas[n-1])
	if fn.Kind() != reflect.Func {
		return nil, datas
	}
	return func(err error) {
		fn.Call(buildAckArgs(fn.Type(), err, ackPayload(err)))
	}, datas[:n-1]
}

func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	// socket.io acknowledgements take the reply arguments as one slice.
	if numIn > 0 && typ.In(0).Kind() == reflect.Slice && typ.In(0).Elem().Kind() == reflect.Interface {
		args[0] = reflect.ValueOf([]any{payload})
		for i := 1; i < numIn; i++ {
			args[i] = reflect.Zero(typ.In(i))
		}
		return args
	}

	for i := 0; i < numIn; i++ {
		var argValue any
		switch {
		case numIn == 1 && err != nil:
			argValue = err
		case numIn == 1:
			argValue = payload
		case i == 0:
			argValue = err
		case i == 1:
			argValue = payload
		}
		args[i] = coerceValue(argValue, typ.In(i))
	}

	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}
	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}
	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}

	return reflect.Zero(targetType)
}

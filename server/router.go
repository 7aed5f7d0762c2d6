// Package server assembles the HTTP surface of the presence hub.
package server

import (
	"net/http"

	"presence-hub/core"
	"presence-hub/handlers/api/locks"
	"presence-hub/handlers/api/rooms"
	"presence-hub/handlers/origin"
	"presence-hub/handlers/websocket"
	"presence-hub/hub"
	"presence-hub/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type Deps struct {
	Hub      *hub.Hub
	Store    core.Store
	Metrics  *metrics.Metrics
	Presence *websocket.PresenceHandler
	// SocketIO is optional.
	SocketIO       *socketio.Server
	AllowedOrigins []string
}

func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(deps.AllowedOrigins)))

	r.Route("/presence/{roomId}", func(r chi.Router) {
		r.Get("/", deps.Presence.ServeHTTP)
		r.Route("/lock", locks.Routes(deps.Hub))
	})

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", rooms.HandleListRooms(deps.Hub, deps.Store))
		r.Route("/{roomId}", func(r chi.Router) {
			r.Delete("/", rooms.HandleDeleteRoom(deps.Store))
			r.Get("/presence", rooms.HandlePresence(deps.Hub))
			r.Get("/lock-events", rooms.HandleListLockEvents(deps.Store))
		})
	})

	if deps.SocketIO != nil {
		r.Handle("/socket.io/", deps.SocketIO.ServeHandler(nil))
	}
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	return r
}

func corsOptions(allowed []string) cors.Options {
	policy := origin.NewPolicy(allowed)
	return cors.Options{
		AllowOriginFunc: func(r *http.Request, o string) bool {
			return policy.Allowed(o)
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

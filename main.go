package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presence-hub/clock"
	"presence-hub/config"
	"presence-hub/core"
	"presence-hub/handlers/origin"
	"presence-hub/handlers/websocket"
	"presence-hub/hub"
	"presence-hub/metrics"
	"presence-hub/server"
	"presence-hub/stores"

	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func waitForShutdown(srv *http.Server, ioo *socketio.Server, presence *websocket.PresenceHandler, h *hub.Hub, recorder *hub.Recorder, store core.Store) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ioo.Close(nil)
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	if err := presence.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Presence channels did not close in time")
	}
	h.Close()
	recorder.Close()
	if err := store.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close store")
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	clk := clock.Real{}
	store, err := stores.GetStore(cfg.Storage, clk)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open store")
	}

	m := metrics.New()
	recorder := hub.NewRecorder(store, 0)
	h := hub.New(hub.Config{
		LeaseDuration:    cfg.Lock.LeaseDuration,
		PingInterval:     cfg.Presence.PingInterval,
		CoalesceInterval: cfg.Presence.CoalesceInterval,
	}, hub.WithClock(clk), hub.WithMetrics(m), hub.WithLockObserver(recorder.Observe))

	opts := websocket.Options{
		PingInterval: cfg.Presence.PingInterval,
		SendBuffer:   cfg.Presence.SendBuffer,
		Origins:      origin.NewPolicy(cfg.Server.AllowedOrigins),
	}
	presence := websocket.NewPresenceHandler(h, store, m, opts)
	ioo := websocket.SetupSocketIO(h, store, m, opts)

	r := server.NewRouter(server.Deps{
		Hub:            h,
		Store:          store,
		Metrics:        m,
		Presence:       presence,
		SocketIO:       ioo,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	srv := &http.Server{Addr: cfg.Server.Listen, Handler: r}

	logrus.WithField("addr", cfg.Server.Listen).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, ioo, presence, h, recorder, store)
}

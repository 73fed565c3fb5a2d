package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roomrelay/internal/config"
	"roomrelay/internal/coordinator"
	"roomrelay/internal/db"
	"roomrelay/internal/events"
	"roomrelay/internal/metrics"
	"roomrelay/internal/rooms"
	"roomrelay/internal/sessionlog"
	"roomrelay/internal/wshub"
)

// Run wires the relay together and serves until ctx is cancelled or a
// component fails.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	m := metrics.New()
	store := rooms.NewStore(rooms.WithSpawn(rooms.Spawn{
		X:      cfg.Rooms.SpawnX,
		Y:      cfg.Rooms.SpawnY,
		Radius: cfg.Rooms.SpawnRadius,
	}))
	bus := events.NewBus(cfg.Transport.QueueSize)
	hub := wshub.NewHub(logger.Named("hub"), wshub.WithDropHook(m.Dropped.Inc))

	srv := &Server{
		Store:          store,
		Hub:            hub,
		Bus:            bus,
		Metrics:        m,
		Logger:         logger.Named("ws"),
		SendBuffer:     cfg.Transport.SendBuffer,
		AllowedOrigins: cfg.Transport.AllowedOrigins,
	}

	g, ctx := errgroup.WithContext(ctx)
	srv.Lifetime = ctx

	// Optional database connection
	var recorder sessionlog.Recorder = sessionlog.Nop{}
	if cfg.Database.Enabled() {
		database, err := db.Connect(ctx, cfg.Database.URL, logger.Named("db"))
		if err != nil {
			logger.Warn("database unavailable, running without session log", zap.Error(err))
		} else {
			defer database.Close()
			if err := database.Migrate(ctx); err != nil {
				logger.Warn("migration failed", zap.Error(err))
			}
			writer := sessionlog.NewWriter(database,
				cfg.Database.BufferSize,
				cfg.Database.BatchSize,
				cfg.Database.FlushInterval,
				logger.Named("sessionlog"),
			)
			recorder = writer
			srv.DB = database
			g.Go(func() error { return writer.Run(ctx) })
		}
	} else {
		logger.Info("database.url not set, running without session log")
	}

	coord := coordinator.New(store, hub, bus, logger.Named("coordinator"),
		coordinator.WithMetrics(m),
		coordinator.WithRecorder(recorder),
		coordinator.WithIdleEviction(cfg.Rooms.IdleTTL, cfg.Rooms.SweepInterval),
	)
	g.Go(func() error { return coord.Run(ctx) })

	httpSrv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     srv.Routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		logger.Info("relay listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Routes returns the relay's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.Metrics.Handler())
	return mux
}

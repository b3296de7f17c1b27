package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gamehub/realtime-backend/internal/arena"
	"github.com/gamehub/realtime-backend/internal/config"
	"github.com/gamehub/realtime-backend/internal/httpapi"
	"github.com/gamehub/realtime-backend/internal/leaderboard"
	"github.com/gamehub/realtime-backend/internal/match"
	"github.com/gamehub/realtime-backend/internal/session"
	"github.com/gamehub/realtime-backend/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := session.NewRegistry(logger.Named("registry"))
	relay := leaderboard.NewRelay(reg, logger.Named("leaderboard"))
	matches := match.NewCoordinator(reg, cfg.SweepInterval, cfg.IdleTimeout, logger.Named("match"))
	defer matches.Close()
	rooms := arena.NewManager(ctx, arena.Config{
		TickInterval: cfg.TickInterval,
		Countdown:    cfg.Countdown,
		TargetScore:  cfg.TargetScore,
	}, cfg.SweepInterval, cfg.IdleTimeout, relay, logger.Named("arena"))
	defer rooms.Close()

	// Disconnect cascade: match teardown, room teardown, subscription
	// cleanup, in that order.
	reg.OnRemove(matches.HandleDisconnect)
	reg.OnRemove(rooms.HandleDisconnect)
	reg.OnRemove(relay.HandleDisconnect)

	wsrv := ws.NewServer(reg, matches, rooms, relay, logger.Named("ws"))
	rt := httpapi.NewRealtime(reg, matches, rooms, relay, cfg.AdminKey)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.SetupRoutes(rt, wsrv),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

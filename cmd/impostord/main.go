// Command impostord runs the Impostor game server: HTTP + WebSocket
// transport backed by either an in-memory or Redis room store.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"impostor.dev/internal/config"
	"impostor.dev/internal/game"
	"impostor.dev/internal/notify"
	"impostor.dev/internal/store"
	"impostor.dev/internal/store/memstore"
	"impostor.dev/internal/store/redisstore"
	"impostor.dev/internal/transport"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cmd := config.NewCommand(func(cmd *cobra.Command, cfg *config.Config) error {
		return run(cmd.Context(), cfg, log)
	})
	if err := cmd.Execute(); err != nil {
		log.Error("exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var roomStore store.RoomStore
	if cfg.StoreBackend == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		roomStore = redisstore.New(redis.NewClient(opts))
	} else {
		roomStore = memstore.New()
	}

	hub := notify.NewHub(log)
	rooms := game.NewRoomService(roomStore, hub, cfg.Settings, log)
	engine, err := game.NewEngine(roomStore, hub, cfg.TimerTickSeconds, log)
	if err != nil {
		return err
	}
	srv := transport.NewServer(rooms, engine, hub, roomStore, log)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Routes(),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr, "store", cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

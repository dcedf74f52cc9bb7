// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/marabrook/lobbybroker/internal/broker"
	"github.com/marabrook/lobbybroker/internal/cache"
	"github.com/marabrook/lobbybroker/internal/codegen"
	"github.com/marabrook/lobbybroker/internal/config"
	"github.com/marabrook/lobbybroker/internal/middleware"
	"github.com/marabrook/lobbybroker/internal/store"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", cfg.PGUser, cfg.PGPassword, cfg.PGHost, cfg.PGPort, cfg.PGDatabase)
	persistentStore, err := store.New(ctx, dsn, cfg.StoreRetryAttempts, logger)
	if err != nil {
		logger.Fatalf("main: connecting to persistent store: %v", err)
	}
	defer persistentStore.Close()

	gen := codegen.New(cfg.CodeGenSeed, codegen.NewRedisPersister(redisClient, ""), logger)
	snapCache := cache.New(cfg.MaxSaveGames, persistentStore, logger)
	b := broker.New(cfg, gen, snapCache, persistentStore, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.LogMiddleware(logger)(b.Handler()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		logger.Infof("main: listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("main: exited with error: %v", err)
	}
}

// sessionkeeper owns the portal authentication lifecycle: it validates SSO,
// keeps the trading server authenticated, relogs in when the session dies and
// tickles it while healthy. The streamer and the reconciler read the session
// snapshot it maintains.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portalfeed/config"
	"portalfeed/internal/broker"
	"portalfeed/internal/logger"
	"portalfeed/internal/metrics"
	"portalfeed/internal/sessionkeeper"
	storeredis "portalfeed/internal/store/redis"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config_path>\n", os.Args[0])
		os.Exit(2)
	}

	log := logger.Init("sessionkeeper", os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storeredis.New(storeredis.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger.Component("store"))
	if err != nil {
		log.WithError(err).Fatal("store connect failed")
	}
	defer store.Close()

	sessions := broker.NewSessionStore(store.Client(), cfg.Username, cfg.Secret)
	client := broker.New(broker.Config{
		Username:   cfg.Username,
		Password:   cfg.Password,
		TOTPSecret: cfg.TOTPSecret,
		Paper:      cfg.Paper,
	}, sessions, logger.Component("broker"))

	m := metrics.New()
	health := metrics.NewHealthStatus()
	health.SetRedisConnected(true)
	health.StartRedisProbe(ctx, store.Client(), 15*time.Second)
	msrv := metrics.NewServer(cfg.MetricsAddr, health, logger.Component("metrics"))
	msrv.Start()
	defer msrv.Stop(context.Background())

	keeper := sessionkeeper.New(client, m, health, log)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.WithField("signal", s.String()).Info("shutting down")
		cancel()
	}()

	keeper.Run(ctx)
}
